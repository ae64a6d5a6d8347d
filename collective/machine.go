// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"encoding/gob"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/stats"
	"github.com/grailbio/bigmachine"
)

func init() {
	gob.Register(&HubService{})
}

// HubConfig configures the hub served by a HubService.
type HubConfig struct {
	// Size is the number of ranks in the group.
	Size int
	// Timeout is the hub's round timeout; see NewHub.
	Timeout time.Duration
}

// HubService serves a Hub as a bigmachine service. It is registered
// on every machine of a group (conventionally as "Hub"); the driver
// configures the instance on the root machine, and every rank reaches
// it through Dial.
type HubService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	mu  sync.Mutex
	hub *Hub
}

// Init implements bigmachine's service initialization.
func (s *HubService) Init(b *bigmachine.B) error {
	return nil
}

// Configure installs a fresh hub for a group. A previously configured
// hub is aborted, failing any ranks still using it.
func (s *HubService) Configure(ctx context.Context, config HubConfig, _ *struct{}) error {
	if config.Size <= 0 {
		return errors.E(errors.Invalid, "Hub.Configure: invalid group size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hub != nil {
		s.hub.Abort(errors.E(errors.Canceled, "collective: hub reconfigured"))
	}
	s.hub = NewHub(config.Size, config.Timeout)
	log.Printf("hub configured for %d ranks, timeout %s", config.Size, config.Timeout)
	return nil
}

func (s *HubService) current() (*Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hub == nil {
		return nil, errors.E(errors.Precondition, "collective: hub not configured")
	}
	return s.hub, nil
}

// Exchange serves a rank's contribution to an exchange round.
func (s *HubService) Exchange(ctx context.Context, req ExchangeRequest, reply *ExchangeReply) error {
	hub, err := s.current()
	if err != nil {
		return err
	}
	// The wait is not tied to the call: a rank whose call is
	// interrupted retries it, and the retry must find the group
	// intact. Lost ranks fail the group through the hub's timeout or
	// through Abort.
	reply.Payloads, err = hub.Exchange(context.Background(), req)
	return err
}

// Abort fails the configured group with the provided reason.
func (s *HubService) Abort(ctx context.Context, reason string, _ *struct{}) error {
	hub, err := s.current()
	if err != nil {
		return err
	}
	hub.Abort(errors.E(errors.Unavailable, reason))
	return nil
}

// Stats returns the configured hub's traffic counters.
func (s *HubService) Stats(ctx context.Context, _ struct{}, vals *stats.Values) error {
	hub, err := s.current()
	if err != nil {
		return err
	}
	*vals = hub.Stats()
	return nil
}

// MachineTransport exchanges through a HubService on a remote machine.
type machineTransport struct {
	machine *bigmachine.Machine
	service string
}

func (t *machineTransport) Exchange(ctx context.Context, req ExchangeRequest) ([][]byte, error) {
	var reply ExchangeReply
	// Exchanges are idempotent at the hub, so we can retry them.
	if err := t.machine.RetryCall(ctx, t.service+".Exchange", req, &reply); err != nil {
		return nil, err
	}
	return reply.Payloads, nil
}

// Dial returns a Comm for the provided rank which exchanges through
// the HubService registered as service on the machine at addr.
func Dial(ctx context.Context, b *bigmachine.B, addr, service string, rank, size int) (*Comm, error) {
	machine, err := b.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return New(rank, size, &machineTransport{machine: machine, service: service}), nil
}
