// Package reconcile implements the result-collection protocol: after a
// successful sandbox execution it validates the container's artifact
// manifest, relocates the artifacts into durable storage, and applies the
// conditional backlog update.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tracelab/traffic-harvester/internal/ingest"
	"github.com/tracelab/traffic-harvester/internal/storage/artifacts"
	"github.com/tracelab/traffic-harvester/internal/storage/shared"
)

// ErrInvalidManifest marks a zero-exit execution whose manifest is missing,
// malformed, incomplete, or references undersized files. The attempt counts
// as a failure and its partial output has been discarded.
var ErrInvalidManifest = errors.New("invalid artifact manifest")

// Size floors below which a capture is considered truncated. A pcap smaller
// than ~250 KB cannot hold a full page load, and a TLS key log under 2 KB
// means the browser never negotiated enough sessions.
const (
	DefaultMinPcapBytes   = 250000
	DefaultMinKeyLogBytes = 2000
)

// Config tunes manifest validation.
type Config struct {
	MinPcapBytes   int64
	MinKeyLogBytes int64
}

// Reconciler validates manifests and moves artifacts to their final home.
type Reconciler struct {
	view      shared.View
	store     *artifacts.Store
	backlog   ingest.Backlog
	publisher ingest.Publisher
	topic     string
	runID     string
	cfg       Config
	logger    *zap.Logger
}

// New creates a Reconciler. The publisher may be nil; completion events are
// then skipped.
func New(
	view shared.View,
	store *artifacts.Store,
	backlog ingest.Backlog,
	publisher ingest.Publisher,
	topic string,
	runID string,
	cfg Config,
	logger *zap.Logger,
) *Reconciler {
	if cfg.MinPcapBytes <= 0 {
		cfg.MinPcapBytes = DefaultMinPcapBytes
	}
	if cfg.MinKeyLogBytes <= 0 {
		cfg.MinKeyLogBytes = DefaultMinKeyLogBytes
	}
	return &Reconciler{
		view:      view,
		store:     store,
		backlog:   backlog,
		publisher: publisher,
		topic:     topic,
		runID:     runID,
		cfg:       cfg,
		logger:    logger,
	}
}

// Reconcile processes the manifest the container wrote for its last job.
// Validation failure discards the attempt's partial files and returns
// ErrInvalidManifest so the worker retries. A relocation failure returns
// ingest.ErrRelocation: files already moved stay where they are (harmless
// duplicates if a later run recaptures the row) and the backlog row remains
// unclaimed, so the worker must not write the failure sentinel.
func (r *Reconciler) Reconcile(ctx context.Context, container string, job ingest.Job) error {
	manifest, err := r.readManifest(container)
	if err != nil {
		return err
	}

	hostPaths, err := r.validate(manifest)
	if err != nil {
		r.discard(hostPaths)
		return err
	}

	finalPaths := make(map[ingest.ArtifactKind]string, len(hostPaths))
	for kind, hostPath := range hostPaths {
		dst, err := r.store.Relocate(job.Domain, kind, hostPath)
		if err != nil {
			return fmt.Errorf("%w: %s for domain %s: %v", ingest.ErrRelocation, kind, job.Domain, err)
		}
		finalPaths[kind] = dst
	}

	paths := ingest.ArtifactPaths{
		Pcap:    finalPaths[ingest.KindPcap],
		SSLKey:  finalPaths[ingest.KindSSLKey],
		Content: finalPaths[ingest.KindContent],
		HTML:    finalPaths[ingest.KindHTML],
	}

	for _, item := range job.Items {
		updated, err := r.backlog.MarkDone(ctx, item.Source, item.RowID, paths)
		switch {
		case err != nil:
			// The artifacts are safe on disk; an unclaimed row is simply
			// re-offered to a later run, which overwrites with duplicates.
			r.logger.Warn("backlog update failed; row left unclaimed",
				zap.Int64("row_id", item.RowID),
				zap.String("source", item.Source),
				zap.Error(err))
		case !updated:
			r.logger.Info("row already claimed by another run",
				zap.Int64("row_id", item.RowID),
				zap.String("source", item.Source))
		default:
			r.publishCompletion(ctx, item, paths)
		}
	}
	return nil
}

func (r *Reconciler) readManifest(container string) (ingest.Manifest, error) {
	path := r.view.ManifestPath(container)
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Manifest{}, fmt.Errorf("%w: read %s: %v", ErrInvalidManifest, path, err)
	}
	var manifest ingest.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ingest.Manifest{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidManifest, path, err)
	}
	return manifest, nil
}

// validate checks every required artifact for presence and minimum size and
// returns the translated host paths of everything referenced, screenshot
// included when present. The returned map is populated even on error so the
// caller can discard partial files.
func (r *Reconciler) validate(manifest ingest.Manifest) (map[ingest.ArtifactKind]string, error) {
	hostPaths := make(map[ingest.ArtifactKind]string)
	for kind, containerPath := range manifest.AllPaths() {
		hostPath, err := r.view.Translate(containerPath)
		if err != nil {
			return hostPaths, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, kind, err)
		}
		hostPaths[kind] = hostPath
	}

	for kind, containerPath := range manifest.RequiredPaths() {
		if containerPath == "" {
			return hostPaths, fmt.Errorf("%w: missing %s path", ErrInvalidManifest, kind)
		}
		info, err := os.Stat(hostPaths[kind])
		if err != nil {
			return hostPaths, fmt.Errorf("%w: %s file absent: %v", ErrInvalidManifest, kind, err)
		}
		if info.Size() < r.minSize(kind) {
			return hostPaths, fmt.Errorf("%w: %s file undersized (%d bytes)", ErrInvalidManifest, kind, info.Size())
		}
	}

	// An unreadable screenshot degrades the capture but never fails it.
	if hostPath, ok := hostPaths[ingest.KindScreenshot]; ok {
		if _, err := os.Stat(hostPath); err != nil {
			r.logger.Warn("screenshot referenced but absent; continuing without it",
				zap.String("path", hostPath))
			delete(hostPaths, ingest.KindScreenshot)
		}
	}
	return hostPaths, nil
}

func (r *Reconciler) minSize(kind ingest.ArtifactKind) int64 {
	switch kind {
	case ingest.KindPcap:
		return r.cfg.MinPcapBytes
	case ingest.KindSSLKey:
		return r.cfg.MinKeyLogBytes
	default:
		return 1
	}
}

// discard removes whatever the failed attempt left behind so the retry
// starts clean.
func (r *Reconciler) discard(hostPaths map[ingest.ArtifactKind]string) {
	for kind, hostPath := range hostPaths {
		if hostPath == "" {
			continue
		}
		if err := os.Remove(hostPath); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to discard partial artifact",
				zap.String("kind", string(kind)),
				zap.String("path", hostPath),
				zap.Error(err))
		}
	}
}

func (r *Reconciler) publishCompletion(ctx context.Context, item ingest.WorkItem, paths ingest.ArtifactPaths) {
	if r.publisher == nil || r.topic == "" {
		return
	}
	payload := map[string]any{
		"run_id":       r.runID,
		"row_id":       item.RowID,
		"source":       item.Source,
		"domain":       item.Domain,
		"url":          item.URL,
		"pcap_path":    paths.Pcap,
		"ssl_key_path": paths.SSLKey,
		"content_path": paths.Content,
		"html_path":    paths.HTML,
	}
	if _, err := r.publisher.Publish(ctx, r.topic, payload); err != nil {
		r.logger.Warn("completion event publish failed",
			zap.Int64("row_id", item.RowID),
			zap.Error(err))
	}
}
