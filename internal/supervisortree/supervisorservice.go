// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisortree

import (
	"context"
	"time"

	"github.com/tomtom215/mcpgateway/internal/supervisor"
)

// supervisorStopTimeout is the deadline on the context handed to the
// wrapped Supervisor's Stop once the tree cancels the service. Stop does
// not consult that context; it waits on its own shutdown grace periods.
const supervisorStopTimeout = 6 * time.Second

// SupervisorService registers one service's Supervisor with the
// messaging layer purely for coordinated shutdown: starting (or not) is
// the Process Manager's job at boot and the management surface's job
// thereafter, driven by the registry's desiredStatus. This service just
// blocks until the tree is torn down, then stops the child so no
// supervisor outlives the process. The Supervisor's own crash/restart
// state machine runs independently and is not restarted by suture — a
// crash loop exhausting maxRestarts surfaces as illegalState to proxy
// clients, it does not kill this service.
type SupervisorService struct {
	sup *supervisor.Supervisor
}

// NewSupervisorService wraps sup for registration with a Tree.
func NewSupervisorService(sup *supervisor.Supervisor) *SupervisorService {
	return &SupervisorService{sup: sup}
}

// Serve implements suture.Service.
func (s *SupervisorService) Serve(ctx context.Context) error {
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), supervisorStopTimeout)
	defer cancel()
	if err := s.sup.Stop(stopCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// String implements fmt.Stringer.
func (s *SupervisorService) String() string {
	return "supervisor:" + s.sup.ID()
}
