package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"coderoom/internal/logging"
	"coderoom/pkg/models"
)

// Request is one execution job as handed to the sandbox.
type Request struct {
	ExecutionID string        `json:"execution_id"`
	Language    string        `json:"language"`
	Code        string        `json:"code"`
	Stdin       string        `json:"stdin"`
	Timeout     time.Duration `json:"timeout"`      // zero -> language default
	MemoryBytes int64         `json:"memory_bytes"` // zero -> language default
}

// Result is the classified outcome of one execution.
type Result struct {
	Status          string `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	MemoryBytes     int64  `json:"memory_bytes"`
	CompileTimeMs   int64  `json:"compile_time_ms,omitempty"`
	CompileOutput   string `json:"compilation_output,omitempty"`
}

// Runner is the capability the worker needs: run a request, classify it.
// A non-nil error means infrastructure failed and the job may be retried;
// user-code failures come back as a Result with the matching status.
type Runner interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

const (
	workDir = "/workspace"

	cpuQuota  = 50000 // ~50% of one core
	cpuPeriod = 100000
	pidsCap   = 64
	nofileCap = 1024

	timeoutExitCode = 124
)

// Limits are process-wide overrides for per-request resource bounds. Zero
// fields defer to the per-language defaults.
type Limits struct {
	RunTimeout     time.Duration
	CompileTimeout time.Duration
	MemoryBytes    int64
}

// Executor runs requests in throwaway Docker containers.
type Executor struct {
	cli         *client.Client
	scratchRoot string
	scanner     *Scanner
	limits      Limits
	sem         chan struct{}
	log         *zap.Logger
}

// NewExecutor connects to the Docker daemon. host may be empty to use the
// environment's default socket. maxConcurrent caps simultaneous containers.
func NewExecutor(host, scratchRoot string, scanner *Scanner, maxConcurrent int, limits Limits) (*Executor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Executor{
		cli:         cli,
		scratchRoot: scratchRoot,
		scanner:     scanner,
		limits:      limits,
		sem:         make(chan struct{}, maxConcurrent),
		log:         logging.L().Named("sandbox"),
	}, nil
}

// Ping verifies the daemon is reachable.
func (e *Executor) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

// Execute runs the full pipeline: scan, materialize, compile, run, capture,
// classify, teardown.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	lang, ok := Lookup(req.Language)
	if !ok {
		return &Result{
			Status: models.ExecStatusFailed,
			Stderr: fmt.Sprintf("unsupported language %q", req.Language),
		}, nil
	}
	if req.Timeout <= 0 {
		req.Timeout = e.limits.RunTimeout
	}
	if req.Timeout <= 0 {
		req.Timeout = lang.DefaultTimeout
	}
	if req.MemoryBytes <= 0 {
		req.MemoryBytes = e.limits.MemoryBytes
	}
	if req.MemoryBytes <= 0 {
		req.MemoryBytes = lang.DefaultMemory
	}

	if err := e.scanner.Check(req.Language, req.Code); err != nil {
		e.log.Info("execution blocked by security scan",
			zap.String("execution_id", req.ExecutionID), zap.Error(err))
		return &Result{
			Status: models.ExecStatusSecurityBlock,
			Stderr: err.Error(),
		}, nil
	}

	// Concurrency cap: excess jobs queue here.
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	dir, _, compileCmd, runCmd, err := e.materialize(req, lang)
	if err != nil {
		return nil, fmt.Errorf("materialize workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	res := &Result{}

	if compileCmd != "" {
		compileReq := req
		if e.limits.CompileTimeout > 0 {
			compileReq.Timeout = e.limits.CompileTimeout
		}
		compileStart := time.Now()
		out, errOut, exit, timedOut, _, cerr := e.runContainer(ctx, lang.Image, dir, compileCmd, compileReq, false)
		res.CompileTimeMs = time.Since(compileStart).Milliseconds()
		if cerr != nil {
			return nil, fmt.Errorf("compile container: %w", cerr)
		}
		if timedOut {
			res.Status = models.ExecStatusTimeout
			res.ExitCode = timeoutExitCode
			res.Stderr = sanitize(errOut, dir)
			return res, nil
		}
		if exit != 0 {
			res.Status = models.ExecStatusCompileError
			res.ExitCode = exit
			res.CompileOutput = sanitize(errOut, dir)
			res.Stderr = sanitize(errOut, dir)
			res.Stdout = sanitize(out, dir)
			return res, nil
		}
	}

	if req.Stdin != "" {
		runCmd = runCmd + " < input.txt"
	}

	runStart := time.Now()
	out, errOut, exit, timedOut, oomKilled, rerr := e.runContainer(ctx, lang.Image, dir, runCmd, req, true)
	res.ExecutionTimeMs = time.Since(runStart).Milliseconds()
	if rerr != nil {
		return nil, fmt.Errorf("run container: %w", rerr)
	}

	res.Stdout = sanitize(out, dir)
	res.Stderr = sanitize(errOut, dir)
	res.ExitCode = exit

	switch {
	case timedOut:
		res.Status = models.ExecStatusTimeout
		res.ExitCode = timeoutExitCode
	case oomKilled:
		res.Status = models.ExecStatusMemoryLimit
		res.MemoryBytes = req.MemoryBytes
	case exit == 0:
		res.Status = models.ExecStatusCompleted
	default:
		res.Status = models.ExecStatusRuntimeError
	}
	return res, nil
}

// materialize writes the source (and stdin, if any) into a fresh scratch
// directory and resolves the concrete commands.
func (e *Executor) materialize(req Request, lang Language) (dir, srcName, compileCmd, runCmd string, err error) {
	dir, err = os.MkdirTemp(e.scratchRoot, "exec-"+req.ExecutionID+"-")
	if err != nil {
		return "", "", "", "", err
	}
	cleanup := func() { os.RemoveAll(dir) }

	srcName, compileCmd, runCmd = lang.entry(req.Code)
	if err = os.WriteFile(filepath.Join(dir, srcName), []byte(req.Code), 0o644); err != nil {
		cleanup()
		return "", "", "", "", err
	}
	if req.Stdin != "" {
		if err = os.WriteFile(filepath.Join(dir, "input.txt"), []byte(req.Stdin), 0o644); err != nil {
			cleanup()
			return "", "", "", "", err
		}
	}
	return dir, srcName, compileCmd, runCmd, nil
}

// runContainer creates, runs to completion and removes one container.
// lockedDown selects the run-phase hardening; the compile phase keeps a
// writable root so toolchains can spill outside the workspace.
func (e *Executor) runContainer(ctx context.Context, img, hostDir, cmd string, req Request, lockedDown bool) (stdout, stderr string, exitCode int, timedOut, oomKilled bool, err error) {
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: lockedDown,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"SETUID", "SETGID"},
		SecurityOpt:    []string{"no-new-privileges"},
		AutoRemove:     false,
		Binds:          []string{hostDir + ":" + workDir + ":rw"},
		Resources: container.Resources{
			Memory:     req.MemoryBytes,
			MemorySwap: req.MemoryBytes, // swap == memory disables swapping
			CPUQuota:   cpuQuota,
			CPUPeriod:  cpuPeriod,
			PidsLimit:  ptr(int64(pidsCap)),
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: nofileCap, Hard: nofileCap},
			},
		},
	}
	cfg := &container.Config{
		Image:      img,
		Cmd:        []string{"/bin/sh", "-c", cmd},
		WorkingDir: workDir,
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if errdefs.IsNotFound(err) {
		if perr := e.pullImage(ctx, img); perr != nil {
			return "", "", 0, false, false, fmt.Errorf("pull %s: %w", img, perr)
		}
		created, err = e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	}
	if err != nil {
		return "", "", 0, false, false, err
	}
	id := created.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if rmErr := e.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); rmErr != nil {
			e.log.Warn("container remove failed", zap.String("container", id), zap.Error(rmErr))
		}
	}()

	if err = e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", 0, false, false, err
	}

	deadline := time.NewTimer(req.Timeout)
	defer deadline.Stop()

	waitCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		exitCode = int(resp.StatusCode)
	case werr := <-errCh:
		return "", "", 0, false, false, werr
	case <-deadline.C:
		timedOut = true
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = e.cli.ContainerKill(killCtx, id, "KILL")
		cancel()
	case <-ctx.Done():
		return "", "", 0, false, false, ctx.Err()
	}

	stdout, stderr = e.collectOutput(id)

	if inspect, ierr := e.cli.ContainerInspect(context.Background(), id); ierr == nil && inspect.State != nil {
		oomKilled = inspect.State.OOMKilled
	}
	return stdout, stderr, exitCode, timedOut, oomKilled, nil
}

// collectOutput demultiplexes the container's two streams.
func (e *Executor) collectOutput(id string) (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rd, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		e.log.Warn("container logs unavailable", zap.String("container", id), zap.Error(err))
		return "", ""
	}
	defer rd.Close()

	var out, errOut bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &errOut, rd); err != nil {
		e.log.Debug("log demux ended early", zap.Error(err))
	}
	return out.String(), errOut.String()
}

func (e *Executor) pullImage(ctx context.Context, img string) error {
	rd, err := e.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rd.Close()
	_, err = io.Copy(io.Discard, rd)
	return err
}

// sanitize hides infrastructure paths from user-visible output.
func sanitize(out, scratchDir string) string {
	out = strings.ReplaceAll(out, scratchDir, "[sandbox]")
	out = strings.ReplaceAll(out, workDir, "[sandbox]")
	return out
}

func ptr[T any](v T) *T { return &v }
