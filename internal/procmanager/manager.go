// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package procmanager is the registry of live Supervisors keyed by
// service id: creation from durable definitions, lookup for the proxy
// router, and fan-out shutdown.
package procmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/mcpgateway/internal/gwerrors"
	"github.com/tomtom215/mcpgateway/internal/logging"
	"github.com/tomtom215/mcpgateway/internal/registry"
	"github.com/tomtom215/mcpgateway/internal/supervisor"
)

// StopAllTimeout bounds how long stopAll waits for every supervisor to
// reach stopped before giving up on the stragglers.
const StopAllTimeout = 10 * time.Second

// Manager owns one Supervisor per live service.
type Manager struct {
	mu          sync.RWMutex
	supervisors map[string]*supervisor.Supervisor
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{supervisors: make(map[string]*supervisor.Supervisor)}
}

// Add constructs a Supervisor for def and registers it. It fails if a
// supervisor for def.ID is already registered.
func (m *Manager) Add(def registry.ServiceDefinition) (*supervisor.Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.supervisors[def.ID]; exists {
		return nil, fmt.Errorf("%w: service %s already has a supervisor", gwerrors.ErrAlreadyExists, def.ID)
	}
	sup := supervisor.New(def)
	m.supervisors[def.ID] = sup
	return sup, nil
}

// Get returns the supervisor for id, or (nil, false) if none is
// registered.
func (m *Manager) Get(id string) (*supervisor.Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.supervisors[id]
	return sup, ok
}

// List returns every registered supervisor.
func (m *Manager) List() []*supervisor.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*supervisor.Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		out = append(out, sup)
	}
	return out
}

// Remove stops the supervisor for id (if any) and removes it from the
// registry.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	sup, ok := m.supervisors[id]
	if ok {
		delete(m.supervisors, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return sup.Stop(ctx)
}

// StopAll concurrently stops every registered supervisor, returning once
// all have reached stopped or StopAllTimeout elapses.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.RUnlock()

	stopCtx, cancel := context.WithTimeout(ctx, StopAllTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			if err := s.Stop(stopCtx); err != nil {
				logging.Warn().Err(err).Str("service_id", s.ID()).Msg("error stopping service during shutdown")
			}
		}(sup)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
		logging.Warn().Msg("stopAll deadline elapsed with supervisors still shutting down")
	}
}

// Boot constructs a supervisor for every persisted definition and starts
// those whose desired status is running. Spawn errors are logged but do
// not abort the boot sequence for other services.
func Boot(ctx context.Context, reg *registry.Registry, m *Manager) error {
	defs, err := reg.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("list services at boot: %w", err)
	}

	for _, def := range defs {
		sup, err := m.Add(def)
		if err != nil {
			logging.Error().Err(err).Str("service_id", def.ID).Msg("failed to register supervisor at boot")
			continue
		}
		if def.DesiredStatus != registry.DesiredRunning {
			continue
		}
		if err := sup.Start(ctx); err != nil {
			logging.Error().Err(err).Str("service_id", def.ID).Msg("failed to start service at boot")
		}
	}
	return nil
}
