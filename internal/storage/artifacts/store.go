// Package artifacts implements the durable per-source artifact tree:
// relocation of capture output into <root>/<domain>/<kind>/ and ownership
// normalization so files stay cleanable across runs.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tracelab/traffic-harvester/internal/ingest"
	"github.com/tracelab/traffic-harvester/internal/metrics"
)

// Config captures the parameters for the durable artifact store.
type Config struct {
	// Root is the durable storage base directory.
	Root string
	// OwnerUID/OwnerGID identify the operator; relocated trees are chowned
	// to them. Negative values disable the chown (useful in tests and on
	// hosts where the process lacks the privilege).
	OwnerUID int
	OwnerGID int
}

// Store moves validated artifacts into the durable tree.
type Store struct {
	cfg Config
}

// New creates a Store, verifying the durable root exists and is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("durable root is required")
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.Root, 0o750); mkErr != nil {
				return nil, fmt.Errorf("create durable root: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat durable root: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("durable root is not a directory")
	}

	probe := filepath.Join(cfg.Root, ".writable_probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return nil, fmt.Errorf("durable root is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &Store{cfg: cfg}, nil
}

// Relocate moves one artifact file from its shared-filesystem location into
// <root>/<domain>/<kind>/, creating the destination directory as needed, and
// normalizes ownership on the result. It returns the final resting path.
func (s *Store) Relocate(domain string, kind ingest.ArtifactKind, src string) (string, error) {
	if domain == "" {
		return "", fmt.Errorf("domain is required")
	}
	dstDir := filepath.Join(s.cfg.Root, domain, string(kind))
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return "", fmt.Errorf("create %s directory: %w", kind, err)
	}
	dst := filepath.Join(dstDir, filepath.Base(src))
	if err := moveFile(src, dst); err != nil {
		return "", fmt.Errorf("relocate %s artifact: %w", kind, err)
	}
	s.chownTree(dst)
	metrics.ObserveArtifact(string(kind))
	return dst, nil
}

// moveFile renames when possible and falls back to copy+remove when source
// and destination sit on different filesystems (the shared mount and the
// dataset volume usually do).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy contents: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("flush destination: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

// chownTree sets the operator identity on path and, for directories, on
// everything below. Best effort: chown requires privilege the process may
// not hold, and a wrong owner never justifies failing a completed capture.
func (s *Store) chownTree(path string) {
	if s.cfg.OwnerUID < 0 || s.cfg.OwnerGID < 0 {
		return
	}
	_ = os.Lchown(path, s.cfg.OwnerUID, s.cfg.OwnerGID)
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return
	}
	_ = filepath.WalkDir(path, func(p string, _ os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		_ = os.Lchown(p, s.cfg.OwnerUID, s.cfg.OwnerGID)
		return nil
	})
}
