// Package backends hosts the worker-subprocess machinery shared by the
// concrete backend implementations. A worker is an OpenAI-style inference
// server spawned per model, listening on a Unix domain socket; the daemon
// supervises it and proxies requests over the socket.
package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

const (
	// healthPollInterval is how often worker startup polls the health
	// endpoint.
	healthPollInterval = 100 * time.Millisecond
	// stderrTailSize caps the stderr bytes retained for crash reports.
	stderrTailSize = 2048
	// closeGrace is how long a worker gets between SIGINT and SIGKILL.
	closeGrace = 10 * time.Second

	// workerBaseURL is the scheme+host used on requests to the Unix
	// socket; the dialer ignores the address.
	workerBaseURL = "http://localhost"
)

// WorkerConfig describes one worker launch.
type WorkerConfig struct {
	// Name labels the worker in logs and errors ("mlx", "gguf").
	Name string
	// Command is the full argv, interpreter first.
	Command []string
	// Env entries appended to the inherited environment.
	Env []string
	// Socket is the Unix socket path the worker must serve.
	Socket string
	// HealthPath defaults to /health.
	HealthPath string
	// StartupTimeout bounds the wait for the first healthy response.
	StartupTimeout time.Duration
}

// Worker supervises one inference server subprocess. The subprocess is
// interrupted on Close and killed if it lingers past the grace period.
type Worker struct {
	log        logging.Logger
	name       string
	socket     string
	healthPath string

	cmd       *exec.Cmd
	cancel    context.CancelFunc
	client    *http.Client
	tail      *tailBuffer
	logStream *io.PipeWriter

	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
}

// StartWorker launches the command and blocks until the worker answers
// its health endpoint, the startup timeout lapses, or the process exits.
// ctx bounds startup only; a started worker runs until Close.
func StartWorker(ctx context.Context, log, serverLog logging.Logger, cfg WorkerConfig) (*Worker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0o755); err != nil {
		return nil, fmt.Errorf("creating worker socket directory: %w", err)
	}
	if err := os.Remove(cfg.Socket); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove stale socket %s: %v", cfg.Socket, err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = closeGrace
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	tail := newTailBuffer(stderrTailSize)
	logStream := serverLog.Writer()
	cmd.Stdout = logStream
	cmd.Stderr = io.MultiWriter(logStream, tail)

	w := &Worker{
		log:        log,
		name:       cfg.Name,
		socket:     cfg.Socket,
		healthPath: cfg.HealthPath,
		cmd:        cmd,
		cancel:     cancel,
		tail:       tail,
		logStream:  logStream,
		exited:     make(chan struct{}),
	}
	w.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", cfg.Socket)
			},
		},
	}

	if err := cmd.Start(); err != nil {
		cancel()
		logStream.Close()
		return nil, fmt.Errorf("starting %s worker: %w", cfg.Name, err)
	}
	go func() {
		w.exitErr = cmd.Wait()
		logStream.Close()
		close(w.exited)
		if err := os.Remove(cfg.Socket); err != nil && !os.IsNotExist(err) {
			w.log.Warnf("failed to remove socket %s on exit: %v", cfg.Socket, err)
		}
	}()

	if err := w.awaitHealthy(ctx, cfg.StartupTimeout); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Worker) awaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.exited:
			// Exit before first health means the load itself failed, not
			// a serving worker.
			return fmt.Errorf("%w: %w", inference.ErrLoaderCrashed, w.ExitError())
		case <-deadline.C:
			return fmt.Errorf("%s worker not healthy after %s", w.name, timeout)
		case <-ticker.C:
			if w.Healthy(ctx) {
				return nil
			}
		}
	}
}

// Healthy probes the worker's health endpoint once.
func (w *Worker) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, workerBaseURL+w.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Client returns an HTTP client whose transport dials the worker socket.
func (w *Worker) Client() *http.Client {
	return w.client
}

// Exited returns a channel closed when the subprocess exits.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// ExitError reports why the worker exited, including the stderr tail.
// Only meaningful once Exited is closed.
func (w *Worker) ExitError() error {
	return &inference.ErrWorkerExited{
		Backend:    w.name,
		Err:        w.exitErr,
		StderrTail: w.tail.String(),
	}
}

// Alive reports whether the subprocess is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// StderrTail returns the retained tail of the worker's stderr.
func (w *Worker) StderrTail() string {
	return w.tail.String()
}

// Close interrupts the worker and waits for it to exit.
func (w *Worker) Close() error {
	w.closeOnce.Do(w.cancel)
	<-w.exited
	return nil
}
