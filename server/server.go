// Package server implements the callout runtime's lifecycle supervisor: it
// binds the secure and plaintext ext-proc/ext-authz/netproc gRPC listeners
// and the health-check HTTP(S) listener, and drives them through a
// created -> starting -> serving -> stopping -> closed state machine with an
// idempotent graceful shutdown.
//
// Two process models are supported, mirroring the upstream Python server's
// single-process thread pool and multi-process worker pool:
//   - RunSingleProcess serves everything in this process.
//   - RunSupervisor forks NumProcesses worker processes (via self-exec) that
//     each bind the same ports with SO_REUSEPORT, and supervises them.
//   - RunWorker is the entrypoint a forked worker process runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/service-extensions/callout-sdk/healthcheck"
)

// State is a lifecycle stage of the Server.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateServing
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WorkerEnvVar is set in a forked worker process's environment so its own
// main() can dispatch to RunWorker instead of re-spawning a supervisor.
const WorkerEnvVar = "CALLOUT_WORKER"

// RegisterFunc attaches the ext-proc/ext-authz/netproc services to a freshly
// constructed *grpc.Server. Called once per listener (secure, plaintext).
type RegisterFunc func(*grpc.Server)

// Options configures a Server.
type Options struct {
	SecureAddress         string
	PlaintextAddress      string
	DisablePlaintext      bool
	HealthCheckAddress    string
	CombinedHealthCheck   bool
	SecureHealthCheck     bool
	HealthCheckAllowedIPs []string
	ServerThreadCount     int
	NumProcesses          int
	CertChainPath         string
	PrivateKeyPath        string
	CertChain             []byte
	PrivateKey            []byte
	// GraceTimeout bounds how long Shutdown waits for in-flight streams
	// before forcing listeners closed.
	GraceTimeout time.Duration
}

// workerProc tracks a forked worker process. done receives cmd.Wait()'s
// result exactly once, from the single goroutine that owns the call;
// anything that needs the worker's exit status reads done instead of
// calling cmd.Wait() a second time, which is invalid.
type workerProc struct {
	cmd  *exec.Cmd
	done chan error
}

// Server is the lifecycle supervisor described in the package doc.
type Server struct {
	opts     Options
	register RegisterFunc
	creds    *Credentials

	mu    sync.Mutex
	state State

	secureGRPC    *grpc.Server
	plaintextGRPC *grpc.Server
	health        *healthcheck.Server
	workers       []*workerProc

	shutdownOnce sync.Once
}

// New constructs a Server. Credentials are loaded (but listeners are not
// bound) at construction time. An unreadable cert/key path logs a warning
// and disables the secure listener rather than failing construction;
// construction only fails outright when that leaves no listener able to
// bind at all (secure disabled and plaintext disabled), when the cert/key
// material itself is present but incomplete (a path given for one but not
// the other), or when SecureHealthCheck is set without loaded TLS material.
func New(opts Options, register RegisterFunc) (*Server, error) {
	if opts.ServerThreadCount <= 0 {
		opts.ServerThreadCount = 2
	}
	if opts.NumProcesses <= 0 {
		opts.NumProcesses = 1
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = 10 * time.Second
	}

	creds, err := LoadCredentials(opts.CertChainPath, opts.PrivateKeyPath, opts.CertChain, opts.PrivateKey)
	if err != nil {
		var unreadable *UnreadableCredentialsError
		if !errors.As(err, &unreadable) {
			return nil, err
		}
		slog.Warn("credentials unreadable, disabling secure listener and continuing plaintext-only", "error", unreadable)
		creds = nil
	}

	if creds == nil && opts.DisablePlaintext {
		return nil, fmt.Errorf("server: no listener can be bound: secure listener unavailable and plaintext is disabled")
	}
	if opts.SecureHealthCheck && creds == nil {
		return nil, fmt.Errorf("server: secure_health_check requires TLS material to be loaded")
	}

	return &Server{
		opts:     opts,
		register: register,
		creds:    creds,
		state:    StateCreated,
	}, nil
}

func (s *Server) transition(want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated && want == StateStarting {
		return fmt.Errorf("server: cannot start from state %s", s.state)
	}
	s.state = want
	return nil
}

// RunSingleProcess binds every configured listener in this process and
// blocks until ctx is canceled, then shuts down gracefully.
func (s *Server) RunSingleProcess(ctx context.Context) error {
	if err := s.transition(StateStarting); err != nil {
		return err
	}

	secureLis, plaintextLis, err := s.bindGRPCListeners(false)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)
	s.startGRPC(secureLis, plaintextLis, errCh)
	s.startHealthCheck(errCh)

	s.mu.Lock()
	s.state = StateServing
	s.mu.Unlock()
	slog.InfoContext(ctx, "callout server serving", "secure_address", s.opts.SecureAddress)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.ErrorContext(ctx, "listener error, shutting down", "error", err)
	}
	return s.Shutdown(context.Background())
}

// RunWorker is the entrypoint a forked worker process runs: it binds
// SO_REUSEPORT listeners (no health-check server; the supervisor owns that)
// and serves until ctx is canceled.
func (s *Server) RunWorker(ctx context.Context) error {
	if err := s.transition(StateStarting); err != nil {
		return err
	}

	secureLis, plaintextLis, err := s.bindGRPCListeners(true)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	s.startGRPC(secureLis, plaintextLis, errCh)

	s.mu.Lock()
	s.state = StateServing
	s.mu.Unlock()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.ErrorContext(ctx, "worker listener error, shutting down", "error", err)
	}
	return s.Shutdown(context.Background())
}

// RunSupervisor forks NumProcesses worker processes running workerArgs
// (typically os.Args[1:]) with WorkerEnvVar set, runs the health-check
// server itself, and supervises the fleet until ctx is canceled or a worker
// exits unexpectedly.
func (s *Server) RunSupervisor(ctx context.Context, workerArgs []string) error {
	if err := s.transition(StateStarting); err != nil {
		return err
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("server: resolve executable path: %w", err)
	}

	errCh := make(chan error, s.opts.NumProcesses+1)
	s.mu.Lock()
	for i := 0; i < s.opts.NumProcesses; i++ {
		cmd := exec.Command(exePath, workerArgs...)
		cmd.Env = append(os.Environ(), WorkerEnvVar+"=1")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("server: start worker %d: %w", i+1, err)
		}
		slog.InfoContext(ctx, "worker process started", "index", i+1, "pid", cmd.Process.Pid)
		wp := &workerProc{cmd: cmd, done: make(chan error, 1)}
		s.workers = append(s.workers, wp)

		go func(idx int, w *workerProc) {
			waitErr := w.cmd.Wait()
			w.done <- waitErr
			if waitErr != nil {
				errCh <- fmt.Errorf("worker %d exited: %w", idx+1, waitErr)
			}
		}(i, wp)
	}
	s.mu.Unlock()

	s.startHealthCheck(errCh)

	s.mu.Lock()
	s.state = StateServing
	s.mu.Unlock()
	slog.InfoContext(ctx, "supervisor serving", "num_workers", s.opts.NumProcesses)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.ErrorContext(ctx, "supervisor observed failure, shutting down", "error", err)
	}
	return s.Shutdown(context.Background())
}

func (s *Server) bindGRPCListeners(reusePort bool) (secure, plaintext net.Listener, err error) {
	if s.creds != nil {
		secure, err = listen(s.opts.SecureAddress, reusePort)
		if err != nil {
			return nil, nil, err
		}
	}
	if !s.opts.DisablePlaintext {
		plaintext, err = listen(s.opts.PlaintextAddress, reusePort)
		if err != nil {
			if secure != nil {
				secure.Close()
			}
			return nil, nil, err
		}
	}
	return secure, plaintext, nil
}

func (s *Server) startGRPC(secureLis, plaintextLis net.Listener, errCh chan<- error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds != nil && secureLis != nil {
		tlsConfig, err := s.creds.TLSConfig()
		if err == nil {
			creds := credentials.NewTLS(tlsConfig)
			s.secureGRPC = grpc.NewServer(grpc.Creds(creds), grpc.NumStreamWorkers(uint32(s.opts.ServerThreadCount)))
			s.register(s.secureGRPC)
			go func() {
				if err := s.secureGRPC.Serve(secureLis); err != nil {
					errCh <- fmt.Errorf("secure listener: %w", err)
				}
			}()
		} else {
			errCh <- fmt.Errorf("secure listener: %w", err)
		}
	}

	if plaintextLis != nil {
		s.plaintextGRPC = grpc.NewServer(grpc.NumStreamWorkers(uint32(s.opts.ServerThreadCount)))
		s.register(s.plaintextGRPC)
		go func() {
			if err := s.plaintextGRPC.Serve(plaintextLis); err != nil {
				errCh <- fmt.Errorf("plaintext listener: %w", err)
			}
		}()
	}
}

func (s *Server) startHealthCheck(errCh chan<- error) {
	if s.opts.CombinedHealthCheck {
		return
	}

	healthCfg := healthcheck.Config{
		Address:    s.opts.HealthCheckAddress,
		Secure:     s.opts.SecureHealthCheck,
		AllowedIPs: s.opts.HealthCheckAllowedIPs,
	}
	if s.opts.SecureHealthCheck && s.creds != nil {
		tls, err := s.creds.TLSConfig()
		if err != nil {
			errCh <- fmt.Errorf("health check tls: %w", err)
			return
		}
		healthCfg.TLSConfig = tls
	}

	s.mu.Lock()
	s.health = healthcheck.NewServer(healthCfg)
	s.mu.Unlock()

	go func() {
		if err := s.health.Start(context.Background()); err != nil {
			errCh <- fmt.Errorf("health check: %w", err)
		}
	}()
}

// Shutdown gracefully stops every listener owned by this Server and, for a
// supervisor, terminates worker processes. Safe to call more than once;
// only the first call performs work.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopping
		secureGRPC := s.secureGRPC
		plaintextGRPC := s.plaintextGRPC
		health := s.health
		workers := s.workers
		s.mu.Unlock()

		slog.InfoContext(ctx, "shutting down callout server")

		stopGRPC := func(g *grpc.Server) {
			stopped := make(chan struct{})
			go func() {
				g.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(s.opts.GraceTimeout):
				slog.WarnContext(ctx, "grace period elapsed, forcing gRPC listener closed")
				g.Stop()
			}
		}
		if secureGRPC != nil {
			stopGRPC(secureGRPC)
		}
		if plaintextGRPC != nil {
			stopGRPC(plaintextGRPC)
		}
		if health != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.GraceTimeout)
			defer cancel()
			if err := health.Stop(shutdownCtx); err != nil {
				slog.WarnContext(ctx, "health check shutdown error", "error", err)
			}
		}

		for i, w := range workers {
			if w.cmd.Process == nil {
				continue
			}
			slog.InfoContext(ctx, "stopping worker process", "index", i+1, "pid", w.cmd.Process.Pid)
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
		}
		for i, w := range workers {
			select {
			case <-w.done:
				slog.InfoContext(ctx, "worker process exited", "index", i+1)
			case <-time.After(s.opts.GraceTimeout):
				slog.WarnContext(ctx, "worker process did not exit gracefully, killing", "index", i+1)
				if w.cmd.Process != nil {
					_ = w.cmd.Process.Kill()
				}
			}
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		slog.InfoContext(ctx, "callout server shut down")
	})
	return shutdownErr
}

// CurrentState reports the Server's lifecycle stage.
func (s *Server) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
