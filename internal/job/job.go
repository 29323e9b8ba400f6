package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coderunr/coderunner/internal/config"
	"github.com/coderunr/coderunner/internal/limiter"
	"github.com/coderunr/coderunner/internal/metrics"
	"github.com/coderunr/coderunner/internal/registry"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	// drainTimeout bounds how long output is read after the subprocess
	// and its process group are gone.
	drainTimeout = time.Second

	recordTimeout = 2 * time.Second
)

// Launcher builds the subprocess for a persisted script
type Launcher interface {
	Command(script types.Script) (*exec.Cmd, error)
}

// ScriptStore persists submitted source where the subprocess can read it
type ScriptStore interface {
	Create(code string) (string, string, error)
	Remove(path string) error
}

// Recorder receives every finished run
type Recorder interface {
	Record(ctx context.Context, rec types.HistoryRecord) error
}

// Manager handles job execution
type Manager struct {
	config   *config.Config
	registry *registry.Registry
	limiter  *limiter.Limiter
	store    ScriptStore
	launcher Launcher
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *logrus.Entry
}

// Option configures optional Manager collaborators
type Option func(*Manager)

// WithRecorder stores every finished run in r
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithMetrics reports finished runs to mt
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager creates a new job manager
func NewManager(cfg *config.Config, reg *registry.Registry, lim *limiter.Limiter,
	store ScriptStore, launcher Launcher, opts ...Option) *Manager {

	manager := &Manager{
		config:   cfg,
		registry: reg,
		limiter:  lim,
		store:    store,
		launcher: launcher,
		logger:   logrus.WithField("component", "job"),
	}

	for _, opt := range opts {
		opt(manager)
	}

	return manager
}

// Result describes a finished script run
type Result struct {
	ScriptID string
	Outcome  types.Outcome
	Stdout   string
	Stderr   string
	Process  types.ProcessStatus
	Duration time.Duration
}

// Response returns the client-facing body for the run
func (r *Result) Response() *types.ScriptResult {
	return &types.ScriptResult{
		Stdout: r.Stdout,
		Stderr: r.Stderr,
		Status: r.Outcome.StatusText(),
		Debug:  r.Process,
	}
}

// StatusCode returns the HTTP status for the run
func (r *Result) StatusCode() int {
	return r.Outcome.StatusCode()
}

// Job is the execution record of one submission. It is owned by the
// request that created it and never shared.
type Job struct {
	ID        string
	Path      string
	size      int
	startTime time.Time

	cmd         *exec.Cmd
	output      *outputPipes
	stdout      *limitedBuffer
	stderr      *limitedBuffer
	timer       *time.Timer
	timerDone   chan struct{}
	killed      atomic.Bool
	waited      bool
	released    bool
	releaseSlot func()
	cleanupOnce sync.Once

	logger  *logrus.Entry
	manager *Manager
}

// Run persists code, launches it in the sandbox runtime and waits for it
// to finish or be killed at the deadline. Registry entry, process, timer and
// script file are released on every return path.
func (m *Manager) Run(ctx context.Context, code string) (*Result, error) {
	startTime := time.Now()

	scriptID, scriptPath, err := m.store.Create(code)
	if err != nil {
		return nil, fmt.Errorf("failed to persist script: %w", err)
	}

	j := &Job{
		ID:          scriptID,
		Path:        scriptPath,
		size:        len(code),
		startTime:   startTime,
		releaseSlot: func() {},
		logger:      m.logger.WithField("script_id", scriptID),
		manager:     m,
	}

	if err := m.registry.Register(scriptID); err != nil {
		j.cleanupStep("remove script", j.removeScript)
		return nil, fmt.Errorf("failed to register script: %w", err)
	}
	defer j.cleanup()

	defer func() {
		if r := recover(); r != nil {
			j.kill()
			j.logger.Errorf("Uncaught panic in script launcher, killed process: %v", r)
			panic(r)
		}
	}()

	result, err := j.execute(ctx)
	if err != nil {
		j.kill()
		j.logger.WithError(err).Error("Script launcher failed")
		return nil, err
	}

	// The script loses proxy access before the run is recorded
	j.cleanup()
	m.finish(j, result)
	return result, nil
}

// execute launches the subprocess, arms the deadline and collects output
func (j *Job) execute(ctx context.Context) (*Result, error) {
	if err := j.launch(ctx); err != nil {
		return nil, err
	}

	j.timerDone = make(chan struct{})
	j.timer = time.AfterFunc(j.manager.config.ScriptTimeLimit, j.timeout)

	// Output goes to plain files, so Wait returns as soon as the leader exits
	waitErr := j.cmd.Wait()
	j.waited = true
	if !j.timer.Stop() {
		// The deadline fired; wait until killed is settled
		<-j.timerDone
	}

	// Descendants left in the group would hold the pipes open
	j.kill()
	if !j.output.drain(drainTimeout) {
		j.logger.Warn("Output still open after the process group was killed")
	}
	j.releaseSlot()

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, fmt.Errorf("failed to wait for script: %w", waitErr)
	}

	process := processStatus(j.cmd.ProcessState)

	outcome := types.OutcomeCompleted
	switch {
	case j.killed.Load() && !process.Success:
		outcome = types.OutcomeKilled
	case process.Code != 0:
		outcome = types.OutcomeFailed
	}

	return &Result{
		ScriptID: j.ID,
		Outcome:  outcome,
		Stdout:   j.stdout.String(),
		Stderr:   j.stderr.String(),
		Process:  process,
		Duration: time.Since(j.startTime),
	}, nil
}

// launch acquires a launch slot and starts the subprocess
func (j *Job) launch(ctx context.Context) error {
	release, err := j.manager.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	j.releaseSlot = release
	if !j.manager.config.HoldSlotUntilExit {
		defer release()
	}

	cmd, err := j.manager.launcher.Command(types.Script{ID: j.ID, Path: j.Path})
	if err != nil {
		return fmt.Errorf("failed to build runtime command: %w", err)
	}

	j.stdout = newLimitedBuffer(j.manager.config.OutputMaxSize)
	j.stderr = newLimitedBuffer(j.manager.config.OutputMaxSize)
	output, err := attachOutput(cmd, j.stdout, j.stderr)
	if err != nil {
		return fmt.Errorf("failed to create output pipes: %w", err)
	}
	j.output = output
	cmd.Stdin = nil
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	j.cmd = cmd
	j.output.start()
	j.logger = j.logger.WithField("pid", cmd.Process.Pid)

	return nil
}

// timeout runs on the deadline timer goroutine
func (j *Job) timeout() {
	defer close(j.timerDone)
	if j.kill() {
		j.killed.Store(true)
	}
	j.logger.Infof("Timeout after %dms", time.Since(j.startTime).Milliseconds())
}

// kill force-terminates the subprocess and everything in its process group.
// It reports whether a signal was delivered; a process that is already gone
// is not an error.
func (j *Job) kill() bool {
	if j.cmd == nil || j.cmd.Process == nil {
		return false
	}

	if err := killProcessGroup(j.cmd.Process); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			j.logger.WithError(err).Error("Exception killing process")
		}
		return false
	}
	return true
}

// finish logs, records and reports a completed run
func (m *Manager) finish(j *Job, result *Result) {
	entry := j.logger.WithFields(logrus.Fields{
		"bytes":   j.size,
		"took_ms": result.Duration.Milliseconds(),
		"outcome": result.Outcome.String(),
	})
	if result.Outcome == types.OutcomeFailed {
		entry.WithField("code", result.Process.Code).Info("Script failed")
	} else {
		entry.Infof("Script %s", result.Outcome)
	}

	m.metrics.ObserveScript(result.Outcome.String(), result.Duration.Seconds())

	if m.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := types.HistoryRecord{
		ScriptID:   j.ID,
		Status:     result.Outcome.StatusText(),
		ExitCode:   result.Process.Code,
		Killed:     result.Outcome == types.OutcomeKilled,
		Size:       j.size,
		DurationMS: result.Duration.Milliseconds(),
		StartedAt:  j.startTime,
	}
	if err := m.recorder.Record(ctx, rec); err != nil {
		j.logger.WithError(err).Warn("Failed to record script history")
	}
}

// cleanup releases every resource held by the job. Each step runs even if
// an earlier one failed. Only the first call has an effect.
func (j *Job) cleanup() {
	j.cleanupOnce.Do(j.releaseResources)
}

func (j *Job) releaseResources() {
	j.cleanupStep("unregister", func() error {
		j.manager.registry.Unregister(j.ID)
		return nil
	})
	j.cleanupStep("close process", j.closeProcess)
	j.cleanupStep("close output", func() error {
		if j.output != nil {
			j.output.close()
		}
		return nil
	})
	j.cleanupStep("stop timer", func() error {
		if j.timer != nil {
			j.timer.Stop()
		}
		return nil
	})
	j.cleanupStep("remove script", j.removeScript)
	j.cleanupStep("release slot", func() error {
		j.releaseSlot()
		return nil
	})
}

func (j *Job) cleanupStep(name string, step func() error) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("Cleanup step %q panicked: %v", name, r)
		}
	}()

	if err := step(); err != nil {
		j.logger.WithError(err).Errorf("Cleanup step %q failed", name)
	}
}

// closeProcess kills whatever is left of the process group, reaps the
// subprocess and releases its handle
func (j *Job) closeProcess() error {
	if j.cmd == nil || j.cmd.Process == nil || j.released {
		return nil
	}

	if err := killProcessGroup(j.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		j.logger.WithError(err).Warn("Failed to kill process group")
	}

	if !j.waited {
		j.waited = true
		if err := j.cmd.Wait(); err != nil {
			j.logger.WithError(err).Debug("Reaped killed process")
		}
	}

	j.released = true
	if err := j.cmd.Process.Release(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("couldn't close process: %w", err)
	}
	return nil
}

func (j *Job) removeScript() error {
	if err := j.manager.store.Remove(j.Path); err != nil {
		return fmt.Errorf("couldn't remove %s: %w", j.Path, err)
	}
	return nil
}
