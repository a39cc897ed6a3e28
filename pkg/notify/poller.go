// Package notify polls for auxiliary per-user data (notification counts)
// on a timer. The poller consumes the synchronizer's state to decide
// whether to run at all; it never mutates that state, and it stops fetching
// the moment the session disappears.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/carebridge-health/portal/pkg/idp"
	"github.com/carebridge-health/portal/pkg/session"
	"go.uber.org/zap"
)

// StateSource exposes the current reconciled state, satisfied by
// *session.Synchronizer.
type StateSource interface {
	State() session.State
}

// FetchFunc performs one poll with a freshly minted bearer token.
type FetchFunc func(ctx context.Context, token string) error

// Config holds poller tuning.
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
}

// Poller runs fetch on a fixed interval while a settled session exists.
type Poller struct {
	source   StateSource
	provider idp.Provider
	fetch    FetchFunc
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	failures int
}

// New creates a Poller.
func New(source StateSource, provider idp.Provider, fetch FetchFunc, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		source:   source,
		provider: provider,
		fetch:    fetch,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start runs the poll loop until quit is closed.
func (p *Poller) Start(quit <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Poll(context.Background())
		case <-quit:
			return
		}
	}
}

// Poll performs a single fetch if a settled session exists. Skipped while
// the synchronizer is loading: branching on an unsettled session would read
// state its owner has not vouched for yet.
func (p *Poller) Poll(ctx context.Context) {
	st := p.source.State()
	if st.Loading || st.Session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	token, err := p.provider.Token(ctx, st.Session)
	if err != nil {
		p.recordFailure("mint token", err)
		return
	}
	if err := p.fetch(ctx, token); err != nil {
		p.recordFailure("fetch", err)
		return
	}

	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

// Failures returns the count of consecutive failed polls.
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *Poller) recordFailure(stage string, err error) {
	p.mu.Lock()
	p.failures++
	n := p.failures
	p.mu.Unlock()
	p.logger.Warn("notification poll failed",
		zap.String("stage", stage),
		zap.Int("consecutive_failures", n),
		zap.Error(err),
	)
}
