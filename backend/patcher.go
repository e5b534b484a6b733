package backend

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mongodb/grip/level"
)

// Extras keys injected by the stock patchers.
const (
	ExtraMachine  = "machine"
	ExtraApp      = "cmd_app"
	ExtraArgs     = "cmd_args"
	ExtraSetup    = "cmd_setup"
	ExtraStatus   = "cmd_status"
	ExtraRemoteIP = "ip"
	ExtraUser     = "user"

	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"

	// DefaultDNSTimeout bounds the reverse lookup performed by the
	// web patcher.
	DefaultDNSTimeout = time.Second
)

// Patcher enriches an event before any sink sees it. Patchers may
// only write to the event's extras; level, message, and timestamp are
// off limits.
type Patcher func(*Event)

// MachinePatcher injects the local hostname. The lookup happens once,
// at construction.
func MachinePatcher() Patcher {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return func(e *Event) {
		e.setExtra(ExtraMachine, hostname)
	}
}

// PreambleState tracks the run status for one configuration session.
// It starts succeeded and flips permanently to failed the first time
// an event at or above the failure threshold is observed.
type PreambleState struct {
	mu        sync.Mutex
	failed    bool
	threshold level.Priority
}

// NewPreambleState returns a state that fails at or above threshold.
// An invalid threshold defaults to level.Error.
func NewPreambleState(threshold level.Priority) *PreambleState {
	if !threshold.IsValid() {
		threshold = level.Error
	}
	return &PreambleState{threshold: threshold}
}

// Observe folds one event's priority into the state and reports the
// resulting status. The transition is one-directional.
func (s *PreambleState) Observe(p level.Priority) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p >= s.threshold {
		s.failed = true
	}
	if s.failed {
		return StatusFailed
	}
	return StatusSucceeded
}

// Status reports the current status without observing anything.
func (s *PreambleState) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return StatusFailed
	}
	return StatusSucceeded
}

// PreamblePatcher injects application identity and the session run
// status. Installed for batch-like setups (job, twd, srp).
func PreamblePatcher(state *PreambleState, app, args, setup string) Patcher {
	return func(e *Event) {
		e.setExtra(ExtraApp, app)
		e.setExtra(ExtraArgs, args)
		e.setExtra(ExtraSetup, setup)
		e.setExtra(ExtraStatus, state.Observe(e.Priority()))
	}
}

// WebPatcher injects the remote peer identity for request-style
// setups. The address resolver's result is reverse-resolved to a
// hostname under the given timeout, degrading to the raw address when
// the lookup fails and to "" when the resolver itself fails or
// returns nothing. Nothing raised by either resolver escapes the
// patcher.
func WebPatcher(remoteAddr, user func() string, timeout time.Duration) Patcher {
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}

	resolve := func() (out string) {
		defer func() {
			if recover() != nil {
				out = ""
			}
		}()

		addr := ""
		if remoteAddr != nil {
			addr = remoteAddr()
		}
		if addr == "" {
			return ""
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		names, err := net.DefaultResolver.LookupAddr(ctx, addr)
		if err != nil || len(names) == 0 {
			return addr
		}
		return names[0]
	}

	resolveUser := func() (out string) {
		defer func() {
			if recover() != nil {
				out = ""
			}
		}()

		if user == nil {
			return ""
		}
		return user()
	}

	return func(e *Event) {
		e.setExtra(ExtraRemoteIP, resolve())
		e.setExtra(ExtraUser, resolveUser())
	}
}
