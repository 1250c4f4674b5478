// Package supervisor owns the live agent processes, keyed by session id.
//
// A launched process writes its combined stdout and stderr into a single
// pipe. Each chunk read from the pipe is appended to the session's log file
// as it arrives and then handed to the OnOutput callback. When the process
// exits and the pipe has drained, the handle is unregistered and OnExit fires
// exactly once with the exit code. OnOutput and OnExit for one process are
// called from the same goroutine, so they arrive in the order produced.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const DefaultStopGrace = 5 * time.Second

// drainTimeout bounds how long the reader may lag behind process exit, in
// case a detached grandchild still holds the pipe open.
const drainTimeout = 2 * time.Second

const readBufferSize = 4096

// LaunchSpec describes one agent process.
type LaunchSpec struct {
	SessionID string
	Argv      []string
	Dir       string
	// Env is the full environment. Nil inherits the current process environment.
	Env     []string
	LogPath string

	// OnOutput receives each chunk of combined output. May be nil.
	OnOutput func(chunk string)
	// OnExit receives the exit code once the process has exited and its
	// output has drained. May be nil.
	OnExit func(exitCode int)
}

// Handle identifies a launched process.
type Handle struct {
	SessionID string
	PID       int
}

type process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
}

// Supervisor launches and tracks agent processes. It is safe for concurrent use.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*process
	grace  time.Duration
	logger *logging.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStopGrace sets the delay between SIGTERM and SIGKILL.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithLogger sets the logger used for process lifecycle messages.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		procs:  make(map[string]*process),
		grace:  DefaultStopGrace,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("supervisor")
	return s
}

// Launch starts the process described by spec. It returns once the process
// has been spawned; output and exit are reported through the callbacks.
// Spawn failures are returned as *errors.LaunchError.
func (s *Supervisor) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, errors.NewLaunchError(err).WithSessionID(spec.SessionID).WithCommand(spec.Argv)
	}
	if len(spec.Argv) == 0 {
		return Handle{}, errors.NewLaunchError(errors.New("empty command")).WithSessionID(spec.SessionID)
	}

	s.mu.Lock()
	_, exists := s.procs[spec.SessionID]
	s.mu.Unlock()
	if exists {
		return Handle{}, errors.NewLaunchError(errors.New("session already has a live process")).
			WithSessionID(spec.SessionID).WithCommand(spec.Argv)
	}

	logFile := s.openLog(spec.LogPath)

	pr, pw, err := os.Pipe()
	if err != nil {
		closeQuietly(logFile)
		return Handle{}, errors.NewLaunchError(fmt.Errorf("failed to create output pipe: %w", err)).
			WithSessionID(spec.SessionID).WithCommand(spec.Argv)
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = nil
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		closeQuietly(logFile)
		return Handle{}, errors.NewLaunchError(err).WithSessionID(spec.SessionID).WithCommand(spec.Argv)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	p := &process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[spec.SessionID] = p
	s.mu.Unlock()

	s.logger.Info("process launched",
		"session_id", spec.SessionID,
		"pid", p.pid,
		"command", spec.Argv[0],
	)

	go s.supervise(spec, p, pr, logFile)

	return Handle{SessionID: spec.SessionID, PID: p.pid}, nil
}

func (s *Supervisor) openLog(path string) *os.File {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.logger.Warn("failed to create log directory", "path", path, "error", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		s.logger.Warn("failed to open session log", "path", path, "error", err)
		return nil
	}
	return f
}

// supervise streams output, waits for exit, unregisters and reports.
func (s *Supervisor) supervise(spec LaunchSpec, p *process, pr *os.File, logFile *os.File) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.stream(spec, pr, logFile)
	}()

	waitErr := p.cmd.Wait()
	close(p.done)

	select {
	case <-readDone:
	case <-time.After(drainTimeout):
		// Unblocks the pending Read.
		_ = pr.Close()
		<-readDone
	}
	_ = pr.Close()
	closeQuietly(logFile)

	code := exitCode(waitErr)

	s.mu.Lock()
	if cur, ok := s.procs[spec.SessionID]; ok && cur == p {
		delete(s.procs, spec.SessionID)
	}
	s.mu.Unlock()

	s.logger.Info("process exited", "session_id", spec.SessionID, "pid", p.pid, "exit_code", code)

	if spec.OnExit != nil {
		spec.OnExit(code)
	}
}

func (s *Supervisor) stream(spec LaunchSpec, r io.Reader, logFile *os.File) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if logFile != nil {
				// Log write failures must not interrupt the stream.
				_, _ = logFile.Write(chunk)
			}
			if spec.OnOutput != nil {
				spec.OnOutput(string(chunk))
			}
		}
		if err != nil {
			return
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// Stop unregisters the session's process and terminates it: SIGTERM to its
// process group, then SIGKILL if it is still alive after the grace period.
// Stop returns without waiting and is a no-op for unknown or exited sessions.
func (s *Supervisor) Stop(sessionID string) error {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	if ok {
		delete(s.procs, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-p.done:
		return nil
	default:
	}

	s.logger.Info("stopping process", "session_id", sessionID, "pid", p.pid)

	if err := terminate(p.pid); err != nil {
		s.logger.Warn("failed to signal process", "session_id", sessionID, "pid", p.pid, "error", err)
	}

	go func() {
		select {
		case <-p.done:
		case <-time.After(s.grace):
			s.logger.Warn("process ignored SIGTERM, killing", "session_id", sessionID, "pid", p.pid)
			_ = kill(p.pid)
		}
	}()
	return nil
}

// IsAlive reports whether the session has a registered process that has not exited.
func (s *Supervisor) IsAlive(sessionID string) bool {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// PIDOf returns the process id for a registered session.
func (s *Supervisor) PIDOf(sessionID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[sessionID]
	if !ok {
		return 0, false
	}
	return p.pid, true
}

// running returns the session ids that currently have a registered process.
func (s *Supervisor) running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

// StopAll stops every process and waits until they have exited or the grace
// period plus a short margin has passed.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := make(map[string]*process, len(s.procs))
	for id, p := range s.procs {
		procs[id] = p
	}
	s.mu.Unlock()

	for id := range procs {
		_ = s.Stop(id)
	}

	deadline := time.After(s.grace + time.Second)
	for _, p := range procs {
		select {
		case <-p.done:
		case <-deadline:
			return
		}
	}
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
