package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Offload tuning applied once per container lifetime. TCP segmentation
// offload merges packets before the capture helper sees them, corrupting the
// per-packet record, so it is disabled on every freshly created container.
// The marker file keeps repeated runs from reapplying it.
const disableOffloadScript = `
if [ -f /tmp/.offload_disabled ]; then
    exit 0
fi
if command -v sudo >/dev/null 2>&1; then
    sudo ethtool -K eth0 tso off gso off gro off
else
    ethtool -K eth0 tso off gso off gro off
fi
rc=$?
if [ $rc -eq 0 ]; then
    touch /tmp/.offload_disabled
fi
exit $rc
`

// Config describes the fixed container pool.
type Config struct {
	// Prefix names the pool; containers are <Prefix>0..<Prefix>N-1 and
	// teardown matches on it.
	Prefix string
	// Size is the number of containers, one per worker.
	Size int
	// Image is the capture sandbox image.
	Image string
	// SharedDir is the host directory mounted at ContainerRoot inside every
	// container.
	SharedDir string
	// ContainerRoot is the in-container mount point of SharedDir.
	ContainerRoot string
	// EntryScript is the in-container path of the capture entry point.
	EntryScript string
	// ExecTimeout bounds a single capture execution.
	ExecTimeout time.Duration
	// HostUID/HostGID are exported into the container so the capture script
	// can hand artifact ownership back to the operator.
	HostUID int
	HostGID int
}

// Pool manages a fixed set of named, persistent sandbox containers. Prepare
// is idempotent: containers survive across runs and are only created when
// absent, started when stopped, and tuned exactly once.
type Pool struct {
	cfg    Config
	runner CommandRunner
	logger *zap.Logger
}

// NewPool creates a Pool.
func NewPool(cfg Config, runner CommandRunner, logger *zap.Logger) (*Pool, error) {
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("pool prefix is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("pool image is required")
	}
	if cfg.ContainerRoot == "" {
		cfg.ContainerRoot = "/app"
	}
	if cfg.EntryScript == "" {
		cfg.EntryScript = cfg.ContainerRoot + "/action.py"
	}
	return &Pool{
		cfg:    cfg,
		runner: runner,
		logger: logger,
	}, nil
}

// Names returns the container names of every pool slot.
func (p *Pool) Names() []string {
	names := make([]string, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		names = append(names, fmt.Sprintf("%s%d", p.cfg.Prefix, i))
	}
	return names
}

// CheckDaemon verifies the container runtime is reachable.
func (p *Pool) CheckDaemon(ctx context.Context) error {
	if _, stderr, err := p.runner.Run(ctx, "docker", "version"); err != nil {
		return fmt.Errorf("docker daemon unavailable: %w (%s)", err, stderr)
	}
	return nil
}

// Prepare idempotently brings every pool slot to a running, configured state
// and returns the ready names. Three passes: create what is absent, start
// what is stopped, then apply the one-time offload tuning to the containers
// created this run. Any create or start failure is fatal to the run.
func (p *Pool) Prepare(ctx context.Context) ([]string, error) {
	if err := p.CheckDaemon(ctx); err != nil {
		return nil, err
	}
	if p.cfg.SharedDir == "" {
		return nil, fmt.Errorf("shared directory is required")
	}
	if !filepath.IsAbs(p.cfg.SharedDir) {
		p.logger.Warn("shared directory is not absolute; docker will resolve it on the daemon side",
			zap.String("dir", p.cfg.SharedDir))
	}
	if _, err := os.Stat(p.cfg.SharedDir); err != nil {
		p.logger.Warn("shared directory not accessible on host; mounting anyway",
			zap.String("dir", p.cfg.SharedDir), zap.Error(err))
	}

	names := p.Names()
	p.logger.Info("preparing sandbox pool",
		zap.Int("size", len(names)),
		zap.String("first", names[0]),
		zap.String("last", names[len(names)-1]),
		zap.String("image", p.cfg.Image),
	)

	var created []string
	for _, name := range names {
		exists, _, err := p.containerState(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := p.create(ctx, name); err != nil {
				return nil, err
			}
			created = append(created, name)
		}
	}

	for _, name := range names {
		_, running, err := p.containerState(ctx, name)
		if err != nil {
			return nil, err
		}
		if !running {
			if err := p.start(ctx, name); err != nil {
				return nil, err
			}
		}
	}

	for _, name := range created {
		p.disableOffloadOnce(ctx, name)
	}

	return names, nil
}

// containerState inspects a container. A non-zero inspect exit means the
// container does not exist; that is not an error here.
func (p *Pool) containerState(ctx context.Context, name string) (exists, running bool, err error) {
	if ctx.Err() != nil {
		return false, false, fmt.Errorf("inspect %s: %w", name, ctx.Err())
	}
	stdout, _, runErr := p.runner.Run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name)
	if runErr != nil {
		if ctx.Err() != nil {
			return false, false, fmt.Errorf("inspect %s: %w", name, ctx.Err())
		}
		return false, false, nil
	}
	state := strings.ToLower(strings.TrimSpace(stdout))
	return state == "true" || state == "false", state == "true", nil
}

// create runs a new detached container. --init gives the container a real
// PID 1 that reaps the capture script's children.
func (p *Pool) create(ctx context.Context, name string) error {
	args := []string{
		"run",
		"--init",
		"--privileged",
		"--volume", fmt.Sprintf("%s:%s", p.cfg.SharedDir, p.cfg.ContainerRoot),
		"-e", fmt.Sprintf("HOST_UID=%d", p.cfg.HostUID),
		"-e", fmt.Sprintf("HOST_GID=%d", p.cfg.HostGID),
		"-itd",
		"--name", name,
		p.cfg.Image,
		"/bin/bash",
	}
	if _, stderr, err := p.runner.Run(ctx, "docker", args...); err != nil {
		return fmt.Errorf("create container %s: %w (%s)", name, err, stderr)
	}
	p.logger.Info("created container", zap.String("container", name))
	return nil
}

func (p *Pool) start(ctx context.Context, name string) error {
	if _, stderr, err := p.runner.Run(ctx, "docker", "start", name); err != nil {
		return fmt.Errorf("start container %s: %w (%s)", name, err, stderr)
	}
	p.logger.Info("started container", zap.String("container", name))
	return nil
}

// disableOffloadOnce applies the network tuning. Failure is logged, not
// fatal: captures still work, the pcaps just carry merged frames.
func (p *Pool) disableOffloadOnce(ctx context.Context, name string) {
	_, stderr, err := p.runner.Run(ctx, "docker", "exec", name, "sh", "-lc", disableOffloadScript)
	if err != nil {
		p.logger.Warn("disable offload failed",
			zap.String("container", name),
			zap.String("stderr", stderr),
			zap.Error(err),
		)
		return
	}
	p.logger.Info("offload disabled", zap.String("container", name))
}

// Exec dispatches one job payload to the capture entry script inside the
// container and waits for it, bounded by the configured timeout. Exit code
// zero means the script wrote a manifest; everything else is a dispatch
// failure carrying whatever diagnostic the script printed.
func (p *Pool) Exec(ctx context.Context, container string, payload []byte) error {
	execCtx := ctx
	if p.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.cfg.ExecTimeout)
		defer cancel()
	}

	start := time.Now()
	stdout, stderr, err := p.runner.Run(execCtx, "docker",
		"exec", container, "python", "-u", p.cfg.EntryScript, string(payload))
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("exec in %s timed out after %s: %w", container, p.cfg.ExecTimeout, context.DeadlineExceeded)
		}
		detail := stderr
		if detail == "" {
			detail = stdout
		}
		if detail == "" {
			detail = "no output"
		}
		return fmt.Errorf("exec in %s after %s: %w: %s", container, time.Since(start).Round(time.Second), err, detail)
	}
	return nil
}

// Teardown force-removes every container whose name carries the pool prefix.
// Called only at the very end of a campaign; containers persist across
// normal batch iterations.
func (p *Pool) Teardown(ctx context.Context) error {
	stdout, stderr, err := p.runner.Run(ctx, "docker",
		"ps", "-aq", "-f", fmt.Sprintf("name=^%s", p.cfg.Prefix))
	if err != nil {
		return fmt.Errorf("list pool containers: %w (%s)", err, stderr)
	}
	ids := strings.Fields(stdout)
	if len(ids) == 0 {
		return nil
	}
	args := append([]string{"rm", "-f"}, ids...)
	if _, stderr, err := p.runner.Run(ctx, "docker", args...); err != nil {
		return fmt.Errorf("remove pool containers: %w (%s)", err, stderr)
	}
	p.logger.Info("removed pool containers", zap.Int("count", len(ids)))
	return nil
}
