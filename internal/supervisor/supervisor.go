// Package supervisor runs the host as a child process and restarts it on
// request. The child owns the listening ports; the parent owns the restart
// policy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/procutil"
)

// DefaultStopTimeout bounds the wait for a terminated child before it is
// killed.
const DefaultStopTimeout = 10 * time.Second

var errSupervisorClosing = errors.New("supervisor: shutting down")

// ProcessManager owns the lifecycle of the child process.
type ProcessManager interface {
	// Restart kills the running child and launches a new one.
	Restart(ctx context.Context) error
	// OnChildExit is called when the child exits without being asked to.
	OnChildExit(code int)
}

// Options configures a Supervisor.
type Options struct {
	// Command is the child argv; Command[0] is the executable.
	Command     []string
	Env         []string
	SocketPath  string
	Stdout      io.Writer
	Stderr      io.Writer
	Logger      *log.Logger
	StopTimeout time.Duration
}

type child struct {
	cmd      *exec.Cmd
	done     chan struct{}
	code     int
	replaced bool
}

// Supervisor is the parent process manager.
type Supervisor struct {
	opts   Options
	logger *log.Logger
	addr   string

	restartMu sync.Mutex
	mu        sync.Mutex
	current   *child
	restarts  int
	exitCode  int
	closing   bool

	exits chan *child
	fatal chan error
}

var _ ProcessManager = (*Supervisor)(nil)

// New returns a supervisor for opts.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Supervisor{
		opts:   opts,
		logger: opts.Logger,
		exits:  make(chan *child, 1),
		fatal:  make(chan error, 1),
	}
}

// Run listens for IPC signals, launches the child and blocks until the child
// exits on its own or ctx is cancelled. It returns the code the supervisor
// should exit with: the child's code after a crash, zero after cancellation.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if len(s.opts.Command) == 0 {
		return 1, errors.New("supervisor: no child command")
	}
	listener, err := Listen(s.opts.SocketPath, s.logger)
	if err != nil {
		return 1, err
	}
	defer listener.Close()
	s.addr = listener.Addr()

	if err := s.launch(); err != nil {
		return 1, err
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	g.Go(func() error {
		return listener.Serve(serveCtx, func(Signal) {
			s.logger.Printf("[Supervisor] reboot requested by child")
			if err := s.Restart(serveCtx); err != nil {
				if errors.Is(err, errSupervisorClosing) || serveCtx.Err() != nil {
					return
				}
				select {
				case s.fatal <- err:
				default:
				}
			}
		})
	})

	code, runErr := s.wait(gctx)
	stopServe()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	s.stopCurrent()
	return code, runErr
}

func (s *Supervisor) wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		s.logger.Printf("[Supervisor] shutting down, stopping child")
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.stopCurrent()
		return 0, nil
	case c := <-s.exits:
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.OnChildExit(c.code)
		return s.ExitCode(), nil
	case err := <-s.fatal:
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		return 1, err
	}
}

// Restart implements ProcessManager.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.stopCurrent()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.launchLocked(); err != nil {
		return err
	}
	s.restarts++
	s.logger.Printf("[Supervisor] child restarted (pid %d, restart #%d)", s.current.cmd.Process.Pid, s.restarts)
	return nil
}

// OnChildExit implements ProcessManager.
func (s *Supervisor) OnChildExit(code int) {
	s.mu.Lock()
	s.exitCode = code
	s.current = nil
	s.mu.Unlock()
	s.logger.Printf("[Supervisor] child exited on its own with code %d", code)
}

// ExitCode returns the code of the last unrequested child exit.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Restarts returns how many times the child was relaunched.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// ChildPID returns the pid of the running child, or zero.
func (s *Supervisor) ChildPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.cmd.Process == nil {
		return 0
	}
	return s.current.cmd.Process.Pid
}

func (s *Supervisor) launch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchLocked()
}

func (s *Supervisor) launchLocked() error {
	if s.closing {
		return errSupervisorClosing
	}
	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	env := s.opts.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), config.EnvIPCSocket+"="+s.addr)
	cmd.Stdout = s.opts.Stdout
	cmd.Stderr = s.opts.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start child: %w", err)
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	s.current = c
	go func() {
		c.code = exitCode(cmd.Wait())
		close(c.done)

		s.mu.Lock()
		replaced := c.replaced
		s.mu.Unlock()
		if !replaced {
			select {
			case s.exits <- c:
			default:
			}
		}
	}()
	s.logger.Printf("[Supervisor] child started (pid %d)", cmd.Process.Pid)
	return nil
}

func (s *Supervisor) stopCurrent() {
	s.mu.Lock()
	c := s.current
	if c != nil {
		c.replaced = true
		s.current = nil
	}
	s.mu.Unlock()
	if c != nil {
		s.stop(c)
	}
}

// stop terminates c and waits for it, killing it after the stop timeout.
func (s *Supervisor) stop(c *child) {
	select {
	case <-c.done:
		return
	default:
	}
	if err := procutil.Terminate(c.cmd.Process); err != nil {
		s.logger.Printf("[Supervisor] terminate child: %v", err)
	}
	select {
	case <-c.done:
	case <-time.After(s.opts.StopTimeout):
		s.logger.Printf("[Supervisor] child did not stop within %s, killing", s.opts.StopTimeout)
		c.cmd.Process.Kill()
		<-c.done
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}
