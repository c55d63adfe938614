// Package ingest defines the core types and interfaces shared across the
// traffic-harvester subsystems: work items pulled from the relational backlog,
// jobs dispatched into sandbox containers, the artifact manifest written by
// the in-container capture script, and the run statistics aggregated by the
// worker pool.
package ingest
