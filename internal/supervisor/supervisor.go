// Package supervisor manages the Brain service as a child process of the
// API server: spawn, health-gate, terminate, restart. A Brain that fails to
// start is non-fatal; AI routes report unavailable while the rest of the
// server keeps working.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"studymate/internal/config"
	"studymate/internal/logging"
	"studymate/internal/metrics"
)

// State of the supervised child.
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// Supervisor owns at most one Brain child process.
type Supervisor struct {
	cfg    config.BrainConfig
	client *http.Client

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	done  chan struct{} // closed when the current child exits
}

// New creates a supervisor. Nothing is spawned until Start.
func New(cfg config.BrainConfig) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * time.Second},
		state:  StateAbsent,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the Brain and polls its health endpoint until it reports
// ready or the startup deadline expires. On deadline the child is killed and
// the supervisor returns to Absent.
func (s *Supervisor) Start(ctx context.Context) error {
	log := logging.Get(logging.CategorySupervisor)

	s.mu.Lock()
	if s.state == StateHealthy || s.state == StateStarting {
		s.mu.Unlock()
		return nil
	}

	command := s.cfg.Command
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("cannot locate own executable: %w", err)
		}
		command = []string{self, "brain"}
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		s.state = StateAbsent
		s.mu.Unlock()
		return fmt.Errorf("failed to spawn brain: %w", err)
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	s.state = StateStarting
	s.mu.Unlock()

	log.Infow("brain spawned", "pid", cmd.Process.Pid, "command", command)

	// Reap the child and record unexpected exits.
	go func() {
		err := cmd.Wait()
		close(done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateHealthy || s.state == StateStarting {
			log.Errorw("brain exited unexpectedly", "error", err)
			s.state = StateCrashed
		}
	}()

	deadline := time.Now().Add(s.cfg.StartupDeadline.Std())
	interval := s.cfg.HealthInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.Stop(context.Background())
			return ctx.Err()
		case <-done:
			s.setState(StateAbsent)
			return errors.New("brain exited during startup")
		case <-time.After(interval):
		}

		if s.probe(ctx) {
			s.setState(StateHealthy)
			log.Infow("brain healthy", "endpoint", s.cfg.Endpoint)
			return nil
		}
		if time.Now().After(deadline) {
			log.Errorw("brain startup deadline expired; killing child",
				"deadline", s.cfg.StartupDeadline.Std())
			_ = s.Stop(context.Background())
			return errors.New("brain did not become healthy before the startup deadline")
		}
	}
}

// Stop terminates the child gracefully, escalating to SIGKILL after the
// grace window. Idempotent: stopping an absent brain is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	log := logging.Get(logging.CategorySupervisor)

	s.mu.Lock()
	cmd, done := s.cmd, s.done
	if cmd == nil || s.state == StateAbsent {
		s.state = StateAbsent
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	select {
	case <-done:
		// Already exited.
	default:
		_ = cmd.Process.Signal(syscall.SIGTERM)
		grace := s.cfg.StopGrace.Std()
		if grace <= 0 {
			grace = 5 * time.Second
		}
		select {
		case <-done:
		case <-time.After(grace):
			log.Warnw("brain ignored SIGTERM; killing", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
			<-done
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
		}
	}

	s.mu.Lock()
	s.cmd = nil
	s.done = nil
	s.state = StateAbsent
	s.mu.Unlock()
	log.Infow("brain stopped")
	return nil
}

// Restart stops then starts. Used on explicit administrator action or by a
// crash-detector hook, never automatically on the request path.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	metrics.BrainRestarts.Inc()
	return s.Start(ctx)
}

// Healthy reports the cached lifecycle state and never performs I/O, so it
// is safe on the request hot path. The reaper goroutine keeps the state
// fresh on crashes; in-flight Brain failures surface through the Brain
// client's own timeouts.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateHealthy
}

// probe asks the Brain's health endpoint whether it is ready.
func (s *Supervisor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.Status == "Active"
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
