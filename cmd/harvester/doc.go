// Package main hosts the traffic harvester entrypoint.
//
// Architecture overview:
//   - Backlog: internal/backlog/postgres pulls unprocessed URL rows from one Postgres table per
//     configured source (rows whose pcap_path is NULL or empty). Completion and failure are written
//     back with conditional updates so concurrent runs never double-claim a row.
//   - Container pool: internal/sandbox/docker provisions a fixed fleet of privileged capture
//     containers named <prefix>0..<prefix>N-1, all mounting the shared scratch directory. Freshly
//     created containers get their NIC segmentation offloads disabled once so captured pcaps match
//     on-the-wire packet sizes. Captures run via docker exec with a hard per-exec deadline.
//   - Batch loop: internal/controller fetches a batch per source, groups rows into jobs (one per
//     URL, or one per domain in batch mode), and fans the jobs out to one worker per container.
//     A global throttle in internal/policy/throttle spaces container launches so page loads do not
//     contend for bandwidth and distort the captures.
//   - Result reconciliation: after a zero-exit capture, internal/reconcile reads the manifest the
//     container left in <shared>/meta/, enforces artifact size floors, relocates the pcap, TLS key
//     log, content, HTML, and screenshot into <durable>/<domain>/<kind>/, chowns them to the
//     operator, and marks the rows done. Invalid manifests fail the attempt and the worker retries
//     up to the configured bound before writing the failure sentinel.
//   - Configuration & plumbing: Viper populates config from file/env (HARVESTER_ prefix); zap
//     provides structured logging; Prometheus counters and histograms are exported on /metrics;
//     /stats exposes live run totals; completion events go to Pub/Sub when a topic is configured.
//
// Operational notes:
//   - Concurrency model: one worker goroutine per container, all draining a shared in-memory job
//     queue; the throttle serializes dispatch across workers. Shutdown is coordinated via context
//     cancellation from SIGINT/SIGTERM; in-flight rows are left unclaimed for the next run and the
//     container pool is left standing.
//   - Teardown: only a naturally drained backlog tears the pool down, after a settle delay that
//     lets container filesystems flush. Set pool.remove_stale to sweep leftovers at startup.
//   - Run locally: go run ./cmd/harvester -config config.yaml (or rely solely on HARVESTER_* env
//     overrides). The host needs a Docker daemon and the capture image pulled.
package main
