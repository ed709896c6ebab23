// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/mcpgateway/internal/framer"
	"github.com/tomtom215/mcpgateway/internal/gwerrors"
	"github.com/tomtom215/mcpgateway/internal/logging"
	"github.com/tomtom215/mcpgateway/internal/metrics"
	"github.com/tomtom215/mcpgateway/internal/notify"
	"github.com/tomtom215/mcpgateway/internal/registry"
	"github.com/tomtom215/mcpgateway/internal/rpc"
)

const (
	shutdownGrace    = 5 * time.Second
	maxRestartDelay  = 30 * time.Second
	baseRestartDelay = 1 * time.Second
)

// Supervisor owns exactly one child process for one service: it spawns
// it, frames its stdio as JSON-RPC, restarts it with backoff on crash,
// and exposes the start/stop/restart/sendRequest/subscribe command
// surface described in the component design.
type Supervisor struct {
	def   registry.ServiceDefinition
	defMu sync.RWMutex

	log zerolog.Logger

	stateMu sync.RWMutex
	state   State

	restartCount  int
	lastError     string
	startedAt     time.Time
	desiredRun    bool // last explicit start/stop command, independent of the registry
	stoppingByUs  bool // true while stop() is tearing the process down deliberately

	cmd      *exec.Cmd
	f        *framer.Framer
	logs     *logRing
	logHub   *notify.Hub
	notifHub *notify.Hub
	cancel   context.CancelFunc

	// runDone is closed when the current child's Serve loop has finished,
	// used by stop() to know the framer has fully unwound.
	runDone chan struct{}
}

// New constructs a Supervisor for def. It does not start the process.
func New(def registry.ServiceDefinition) *Supervisor {
	bufSize := 500
	s := &Supervisor{
		def:      def,
		state:    StateStopped,
		log:      logging.WithService(def.ID),
		logs:     newLogRing(bufSize),
		logHub:   notify.NewHub(),
		notifHub: notify.NewHub(),
	}
	metrics.SetServiceState(def.ID, stateValue(StateStopped))
	return s
}

// ID returns the owning service's id.
func (s *Supervisor) ID() string {
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	return s.def.ID
}

// Definition returns a copy of the current service definition.
func (s *Supervisor) Definition() registry.ServiceDefinition {
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	return s.def
}

// UpdateDefinition swaps in a new definition (e.g. after a management
// edit). It does not restart a running process; changes like args or
// entryPoint only take effect on the next start.
func (s *Supervisor) UpdateDefinition(def registry.ServiceDefinition) {
	s.defMu.Lock()
	defer s.defMu.Unlock()
	s.def = def
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// LastError returns the most recently recorded failure, if any.
func (s *Supervisor) LastError() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastError
}

// RestartCount returns the number of automatic restarts attempted since
// the last explicit user-initiated start.
func (s *Supervisor) RestartCount() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.restartCount
}

// PendingRequests returns the number of sendRequest calls currently
// outstanding against the child's transport, or 0 if there is no live
// transport.
func (s *Supervisor) PendingRequests() int {
	f := s.f
	if f == nil {
		return 0
	}
	return f.PendingCount()
}

// Uptime returns how long the current process has been running, or 0 if
// it is not running.
func (s *Supervisor) Uptime() time.Duration {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.state != StateRunning {
		return 0
	}
	return time.Since(s.startedAt)
}

// Logs returns a snapshot of the ring buffer of recent log lines.
func (s *Supervisor) Logs() []string {
	return s.logs.snapshot()
}

func (s *Supervisor) swapState(expected, next State) (State, error) {
	s.stateMu.Lock()
	if s.state != expected {
		state := s.state
		s.stateMu.Unlock()
		return state, ErrExpectedStateMismatch
	}
	if !isValidTransition(s.state, next) {
		state := s.state
		s.stateMu.Unlock()
		return state, ErrInvalidTransition
	}
	s.state = next
	s.stateMu.Unlock()

	metrics.SetServiceState(s.ID(), stateValue(next))
	return next, nil
}

func (s *Supervisor) forceState(next State) {
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()

	metrics.SetServiceState(s.ID(), stateValue(next))
}

// Start spawns the child process. It is a no-op (returning nil) if
// already starting or running; it clears the restart counter, since a
// counter is only reset by an explicit user-initiated start.
func (s *Supervisor) Start(ctx context.Context) error {
	if cur, err := s.swapState(StateStopped, StateStarting); err != nil {
		if cur == StateCrashed {
			if _, err2 := s.swapState(StateCrashed, StateStarting); err2 != nil {
				return fmt.Errorf("%w: cannot start from %s", gwerrors.ErrIllegalState, cur)
			}
		} else if cur == StateStarting || cur == StateRunning {
			return nil
		} else {
			return fmt.Errorf("%w: cannot start from %s", gwerrors.ErrIllegalState, cur)
		}
	}

	s.stateMu.Lock()
	s.restartCount = 0
	s.lastError = ""
	s.desiredRun = true
	s.stateMu.Unlock()

	return s.spawn(ctx)
}

func (s *Supervisor) spawn(ctx context.Context) error {
	def := s.Definition()

	if _, err := os.Stat(def.WorkingDir); err != nil {
		s.onSpawnFailure(fmt.Sprintf("working dir: %v", err))
		return fmt.Errorf("working dir %s: %w", def.WorkingDir, err)
	}

	cmd := exec.Command(def.EntryPoint, def.Args...)
	cmd.Dir = def.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), def.Env)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.onSpawnFailure(fmt.Sprintf("stdin pipe: %v", err))
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.onSpawnFailure(fmt.Sprintf("stdout pipe: %v", err))
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.onSpawnFailure(fmt.Sprintf("stderr pipe: %v", err))
		return err
	}

	if err := cmd.Start(); err != nil {
		s.onSpawnFailure(fmt.Sprintf("start: %v", err))
		return fmt.Errorf("start %s: %w", def.EntryPoint, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cmd = cmd
	s.cancel = cancel
	s.f = framer.New(def.ID, stdin, s.handleChildFailed)
	s.runDone = make(chan struct{})

	go s.pumpLogs(runCtx, s.f)
	go notify.PumpNotifications(runCtx, s.notifHub, s.f.Notifications())
	go func() {
		s.f.Serve(runCtx, stdout, stderr)
	}()
	go s.wait(runCtx)
	go s.healthLoop(runCtx, cmd.Process.Pid, def.HealthCheckInterval)

	if _, err := s.swapState(StateStarting, StateRunning); err != nil {
		s.log.Warn().Err(err).Msg("state transition to running failed, child may have already exited")
	}
	s.stateMu.Lock()
	s.startedAt = time.Now()
	s.stateMu.Unlock()

	s.log.Info().Str("entryPoint", def.EntryPoint).Msg("service started")
	return nil
}

// healthLoop periodically verifies, at the OS level, that pid is still
// alive while the child is running. A failed probe is treated the same
// as an exit event; cmd.Wait() racing to get there first is harmless
// since swapState guards against a double transition.
func (s *Supervisor) healthLoop(ctx context.Context, pid int, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateRunning {
				return
			}
			if !processAlive(pid) {
				s.onChildExit("health probe: process not found")
				return
			}
		}
	}
}

func (s *Supervisor) onSpawnFailure(cause string) {
	s.stateMu.Lock()
	s.lastError = cause
	s.stateMu.Unlock()
	s.forceState(StateCrashed)
	s.log.Error().Str("cause", cause).Msg("failed to spawn child")
}

func (s *Supervisor) pumpLogs(ctx context.Context, f *framer.Framer) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-f.Logs():
			if !ok {
				return
			}
			s.logs.add(line.Text)
			level := "info"
			if line.Stderr {
				level = "stderr"
			}
			notify.PublishLog(s.logHub, level, line.Text)
		}
	}
}

// SubscribeLogs registers a new live log-line subscriber, used by the
// management log-streaming endpoint.
func (s *Supervisor) SubscribeLogs() *notify.Subscription {
	return s.logHub.Subscribe()
}

// wait blocks for the child's exit and drives the crash/restart state
// machine once it's known the exit was not caused by our own stop().
func (s *Supervisor) wait(runCtx context.Context) {
	err := s.cmd.Wait()
	close(s.runDone)

	s.stateMu.RLock()
	weCalledStop := s.stoppingByUs
	s.stateMu.RUnlock()
	if weCalledStop {
		return
	}

	cause := "exited"
	if err != nil {
		cause = err.Error()
	}
	s.onChildExit(cause)
}

func (s *Supervisor) handleChildFailed(cause string) {
	s.log.Warn().Str("cause", cause).Msg("transport failed")
}

func (s *Supervisor) onChildExit(cause string) {
	// The child may exit before we ever observed it reach running (a
	// near-instant crash during spawn), so either precondition is valid.
	if _, err := s.swapState(StateRunning, StateCrashed); err != nil {
		if _, err := s.swapState(StateStarting, StateCrashed); err != nil {
			// Already transitioning via Stop(), or already crashed from a
			// concurrent health-probe failure; nothing further to do.
			return
		}
	}

	s.stateMu.Lock()
	s.lastError = cause
	desiredRun := s.desiredRun
	def := s.def
	s.stateMu.Unlock()

	s.log.Warn().Str("cause", cause).Msg("child exited unexpectedly")

	if !desiredRun || !def.AutoRestart {
		return
	}

	s.stateMu.RLock()
	count := s.restartCount
	s.stateMu.RUnlock()
	if count >= def.MaxRestarts {
		s.log.Error().Int("restartCount", count).Msg("max restarts reached, giving up")
		return
	}

	s.stateMu.Lock()
	s.restartCount++
	n := s.restartCount
	s.stateMu.Unlock()
	metrics.RecordRestart(def.ID)

	if _, err := s.swapState(StateCrashed, StateRestarting); err != nil {
		return
	}

	delay := backoffDelay(n)
	s.log.Info().Int("attempt", n).Dur("delay", delay).Msg("scheduling restart")

	go func() {
		time.Sleep(delay)
		if _, err := s.swapState(StateRestarting, StateStarting); err != nil {
			return
		}
		if err := s.spawn(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("restart attempt failed")
		}
	}()
}

// backoffDelay computes min(1s * 2^(n-1), 30s) for the n-th restart
// attempt (n >= 1): 1s, 2s, 4s, ...
func backoffDelay(n int) time.Duration {
	d := baseRestartDelay
	for i := 0; i < n-1 && d < maxRestartDelay; i++ {
		d *= 2
	}
	if d > maxRestartDelay {
		d = maxRestartDelay
	}
	return d
}

// Stop terminates the child process if running, idempotently. It
// transitions to stopped before signalling so the crash handler does not
// race a restart against a deliberate shutdown.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	s.desiredRun = false
	cur := s.state
	if cur == StateStopped {
		s.stateMu.Unlock()
		return nil
	}
	s.stoppingByUs = true
	s.state = StateStopped
	s.stateMu.Unlock()
	metrics.SetServiceState(s.ID(), stateValue(StateStopped))

	defer func() {
		s.stateMu.Lock()
		s.stoppingByUs = false
		s.stateMu.Unlock()
	}()

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	pid := s.cmd.Process.Pid
	if err := terminateGroup(pid, syscall.SIGTERM); err != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-s.runDone:
	case <-time.After(shutdownGrace):
		if err := terminateGroup(pid, syscall.SIGKILL); err != nil {
			_ = s.cmd.Process.Kill()
		}
		select {
		case <-s.runDone:
		case <-time.After(shutdownGrace):
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Restart stops then starts the child, clearing the restart counter.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// SendRequest forwards req to the child and waits up to the service's
// configured timeout for a correlated response.
func (s *Supervisor) SendRequest(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	if s.State() != StateRunning {
		return rpc.Message{}, fmt.Errorf("%w: service not running", gwerrors.ErrIllegalState)
	}

	f := s.f
	if f == nil {
		return rpc.Message{}, fmt.Errorf("%w: no active transport", gwerrors.ErrTransportClosed)
	}

	originalID := req.ID
	clientSuppliedID := len(originalID) > 0
	idSubstituted := false

	if !clientSuppliedID {
		req.ID = []byte(fmt.Sprintf("%q", f.NextID()))
		idSubstituted = true
	}

	def := s.Definition()
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	sink, err := f.Send(ctx, req, deadline)
	if err != nil && errors.Is(err, framer.ErrDuplicateID) {
		// The caller's id collides with one already outstanding; retry
		// once with a freshly allocated id and restore the original on
		// the way back out, the same as the absent-id case.
		req.ID = []byte(fmt.Sprintf("%q", f.NextID()))
		idSubstituted = true
		sink, err = f.Send(ctx, req, deadline)
	}
	if err != nil {
		return rpc.Message{}, err
	}
	metrics.PendingRequests.WithLabelValues(s.ID()).Set(float64(f.PendingCount()))
	defer func() {
		metrics.PendingRequests.WithLabelValues(s.ID()).Set(float64(f.PendingCount()))
	}()

	select {
	case resp := <-sink:
		if idSubstituted {
			resp.ID = originalID
			if !clientSuppliedID {
				resp.ID = nil
			}
			if data, merr := rpc.Marshal(resp); merr == nil {
				resp.Raw = data
			}
		}
		return resp, nil
	case <-time.After(timeout):
		f.ExpirePending(time.Now())
		return rpc.Message{}, fmt.Errorf("%w: no response within %s", gwerrors.ErrTimeout, timeout)
	case <-ctx.Done():
		return rpc.Message{}, ctx.Err()
	}
}

// SubscribeNotifications registers a new subscriber for server-initiated
// messages from the child's stdout. Every subscriber receives its own
// copy of each notification, so any number of WebSocket bridges can
// watch the same service concurrently; the wire bytes are forwarded
// unmarshaled where the child provided them.
func (s *Supervisor) SubscribeNotifications() *notify.Subscription {
	return s.notifHub.Subscribe()
}

func mergeEnv(base []string, overlay map[string]string) []string {
	out := append([]string(nil), base...)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
