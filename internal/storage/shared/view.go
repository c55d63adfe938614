// Package shared models the host side of the filesystem volume mounted into
// every sandbox container: path translation between the two views, manifest
// locations, and the between-batch scratch cleanup.
package shared

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// View maps between container-side paths (rooted at ContainerRoot, typically
// /app) and the host directory backing the mount.
type View struct {
	// HostRoot is the host directory mounted into every container.
	HostRoot string
	// ContainerRoot is the mount point inside the containers.
	ContainerRoot string
}

// New creates a View.
func New(hostRoot, containerRoot string) (View, error) {
	if strings.TrimSpace(hostRoot) == "" {
		return View{}, fmt.Errorf("host root is required")
	}
	if strings.TrimSpace(containerRoot) == "" {
		containerRoot = "/app"
	}
	return View{
		HostRoot:      filepath.Clean(hostRoot),
		ContainerRoot: filepath.Clean(containerRoot),
	}, nil
}

// ManifestPath returns the host path of a container's last-result manifest.
func (v View) ManifestPath(container string) string {
	return filepath.Join(v.HostRoot, "meta", container+"_last.json")
}

// Translate converts a container-side path into the equivalent host path.
// Paths outside the container root are rejected; the capture script only
// ever writes inside its mount.
func (v View) Translate(containerPath string) (string, error) {
	cleaned := filepath.Clean(containerPath)
	if cleaned == v.ContainerRoot {
		return v.HostRoot, nil
	}
	prefix := v.ContainerRoot + string(filepath.Separator)
	if !strings.HasPrefix(cleaned, prefix) {
		return "", fmt.Errorf("path %q is outside container root %q", containerPath, v.ContainerRoot)
	}
	rel := strings.TrimPrefix(cleaned, prefix)
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes container root", containerPath)
	}
	return filepath.Join(v.HostRoot, rel), nil
}

// ClearScratch removes every subdirectory of the host root while keeping
// top-level files (the capture code itself lives there as files and must
// survive). Individual removal failures are logged and skipped so one stuck
// file cannot wedge the batch loop.
func (v View) ClearScratch(logger *zap.Logger) error {
	entries, err := os.ReadDir(v.HostRoot)
	if err != nil {
		return fmt.Errorf("read shared root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(v.HostRoot, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to clear scratch directory",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		logger.Debug("cleared scratch directory", zap.String("dir", dir))
	}
	return nil
}
