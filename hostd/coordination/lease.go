// Package coordination keeps singleton loops to one active instance across
// processes that share a store.
package coordination

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/hostforge/hostd/observability"
	"github.com/itskum47/hostforge/hostd/store"
	"go.uber.org/zap"
)

// LeaseMetadata is the value written into the lease key.
type LeaseMetadata struct {
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LeaseState is the snapshot reported by /health.
type LeaseState struct {
	Name        string `json:"name"`
	Held        bool   `json:"held"`
	Owner       string `json:"owner"`
	Transitions int64  `json:"transitions"`
}

// Elector acquires and renews one named lease.
type Elector struct {
	coordinator store.Coordinator
	name        string
	key         string
	owner       string
	ttl         time.Duration
	logger      *zap.Logger

	mu           sync.RWMutex
	held         bool
	currentValue string
	heldCtx      context.Context
	heldCancel   context.CancelFunc
	transitions  int64
}

// NewElector creates an elector for the lease stored at key. owner identifies this
// process in the lease value.
func NewElector(c store.Coordinator, name, key, owner string, ttl time.Duration, logger *zap.Logger) *Elector {
	return &Elector{
		coordinator: c,
		name:        name,
		key:         key,
		owner:       owner,
		ttl:         ttl,
		logger:      logger.Named("lease").With(zap.String("lease", name)),
	}
}

// IsHeld reports whether this process currently holds the lease.
func (e *Elector) IsHeld() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.held
}

// HeldContext returns a context cancelled when the lease is lost, or nil when not held.
func (e *Elector) HeldContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.heldCtx
}

func (e *Elector) State() LeaseState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return LeaseState{Name: e.name, Held: e.held, Owner: e.owner, Transitions: e.transitions}
}

// Run campaigns for the lease until ctx is done, then releases it.
func (e *Elector) Run(ctx context.Context) error {
	minInterval := e.ttl / 3
	maxInterval := 10 * e.ttl
	interval := minInterval

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsHeld() {
				e.release()
				e.stepDown()
			}
			return nil
		case <-timer.C:
			var err error
			if e.IsHeld() {
				var renewed bool
				renewed, err = e.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						e.stepDown()
					}
				} else {
					renewFailures++
					e.logger.Warn("lease renew failed", zap.Int("failures", renewFailures), zap.Error(err))
					if renewFailures >= maxRenewFailures {
						e.logger.Warn("too many renew failures, stepping down")
						e.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = e.acquire(ctx)
				if err == nil && acquired {
					e.becomeHolder()
					renewFailures = 0
				}
			}

			if err != nil && ctx.Err() == nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				e.logger.Debug("backing off", zap.Duration("interval", interval))
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	meta := LeaseMetadata{Owner: e.owner, Token: uuid.NewString(), AcquiredAt: time.Now().UTC()}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := e.coordinator.AcquireLease(ctx, e.key, val, e.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		e.mu.Lock()
		e.currentValue = val
		e.mu.Unlock()
	}
	return acquired, nil
}

func (e *Elector) renew(ctx context.Context) (bool, error) {
	e.mu.RLock()
	val := e.currentValue
	e.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return e.coordinator.RenewLease(ctx, e.key, val, e.ttl)
}

func (e *Elector) release() {
	e.mu.RLock()
	val := e.currentValue
	e.mu.RUnlock()
	if val == "" {
		return
	}

	// The caller's context is usually already cancelled here.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.coordinator.ReleaseLease(ctx, e.key, val); err != nil {
		e.logger.Warn("lease release failed", zap.Error(err))
	}
}

func (e *Elector) becomeHolder() {
	e.mu.Lock()
	e.held = true
	e.transitions++
	e.heldCtx, e.heldCancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	observability.LeaseTransitions.WithLabelValues(e.name, "acquired").Inc()
	observability.LeaseHeld.WithLabelValues(e.name).Set(1)
	e.logger.Info("lease acquired", zap.String("owner", e.owner))
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	if !e.held {
		e.mu.Unlock()
		return
	}
	e.held = false
	e.transitions++
	e.currentValue = ""
	if e.heldCancel != nil {
		e.heldCancel()
	}
	e.heldCtx = nil
	e.mu.Unlock()

	observability.LeaseTransitions.WithLabelValues(e.name, "lost").Inc()
	observability.LeaseHeld.WithLabelValues(e.name).Set(0)
	e.logger.Info("lease lost", zap.String("owner", e.owner))
}
