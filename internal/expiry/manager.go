// Package expiry times matches out. Every instance arms a timer per known match, and a periodic sweep,
// run by one instance at a time, settles whatever the timers missed, e.g. after a restart.
package expiry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/settlement"
	"github.com/victornm/codeduel/internal/state"
)

const defaultSweepInterval = 5 * time.Second

type Settler interface {
	Settle(ctx context.Context, matchID string, opts settlement.Options) (*settlement.Result, error)
}

type Config struct {
	Matches  state.ActiveMatchStore
	Settler  Settler
	EventBus *event.Bus
	// Elector restricts the sweep to the leader. Every instance sweeps when nil.
	Elector       gocron.Elector
	SweepInterval time.Duration
	Now           func() time.Time
}

type Manager struct {
	matches  state.ActiveMatchStore
	settler  Settler
	interval time.Duration
	now      func() time.Time
	sched    gocron.Scheduler

	mu     sync.Mutex
	ctx    context.Context
	timers map[string]*time.Timer
}

func NewManager(c Config) (*Manager, error) {
	var opts []gocron.SchedulerOption
	if c.Elector != nil {
		opts = append(opts, gocron.WithDistributedElector(c.Elector))
	}

	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("expiry: new scheduler: %w", err)
	}

	m := &Manager{
		matches:  c.Matches,
		settler:  c.Settler,
		interval: c.SweepInterval,
		now:      c.Now,
		sched:    sched,
		ctx:      context.Background(),
		timers:   make(map[string]*time.Timer),
	}

	if m.interval <= 0 {
		m.interval = defaultSweepInterval
	}
	if m.now == nil {
		m.now = time.Now
	}

	c.EventBus.Subscribe(domain.EventNameMatchStarted, func(_ context.Context, e event.Event) error {
		mt := e.(domain.EventMatchStarted).Match
		m.arm(mt.MatchID, mt.ExpiresAt)
		return nil
	})

	c.EventBus.Subscribe(domain.EventNameMatchFinished, func(_ context.Context, e event.Event) error {
		m.disarm(e.(domain.EventMatchFinished).Match.MatchID)
		return nil
	})

	return m, nil
}

// Start recovers the schedule from the store and starts the periodic sweep. Timers settle with ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	if err := m.Recover(ctx); err != nil {
		return err
	}

	_, err := m.sched.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() {
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "expiry: sweep failed", "error", err)
			}
		}),
		gocron.WithName("expiry-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("expiry: schedule sweep: %w", err)
	}

	m.sched.Start()
	slog.InfoContext(ctx, "expiry: started", "sweep_interval", m.interval)
	return nil
}

// Recover settles the matches that expired while nobody was watching and arms a timer for the others.
func (m *Manager) Recover(ctx context.Context) error {
	exps, err := m.matches.Expiries(ctx)
	if err != nil {
		return fmt.Errorf("expiry: recover: %w", err)
	}

	now := m.now()
	due := 0
	for _, e := range exps {
		if e.ExpiresAt.After(now) {
			m.arm(e.MatchID, e.ExpiresAt)
			continue
		}
		due++
	}

	if due > 0 {
		if _, err := m.Sweep(ctx); err != nil {
			return fmt.Errorf("expiry: recover: %w", err)
		}
	}

	slog.InfoContext(ctx, "expiry: recovered", "pending", len(exps)-due, "due", due)
	return nil
}

// Sweep settles every match past its deadline and returns how many it settled.
func (m *Manager) Sweep(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("expiry: sweep panic: %v, stack: %s", r, debug.Stack())
		}
	}()

	ids, err := m.matches.Due(ctx, m.now())
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, id := range ids {
		settled, err := m.expire(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if settled {
			n++
		}
	}

	return n, stderrors.Join(errs...)
}

func (m *Manager) expire(ctx context.Context, matchID string) (bool, error) {
	res, err := m.settler.Settle(ctx, matchID, settlement.Options{Reason: domain.SettleReasonTimeout})
	if err != nil {
		return false, fmt.Errorf("expire match %s: %w", matchID, err)
	}

	if res.Settled {
		return true, nil
	}

	// Not running anymore: either someone else is settling it, or the live state is gone and the
	// schedule entry is all that is left.
	if _, err := m.matches.Get(ctx, matchID); stderrors.Is(err, state.ErrNotFound) {
		slog.ErrorContext(ctx, "expiry: match expired without settlement, dropping schedule entry", "match_id", matchID)
		if err := m.matches.RemoveExpiry(ctx, matchID); err != nil {
			return false, fmt.Errorf("remove expiry %s: %w", matchID, err)
		}
	}

	return false, nil
}

func (m *Manager) arm(matchID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[matchID]; ok {
		t.Stop()
	}

	ctx := m.ctx
	m.timers[matchID] = time.AfterFunc(at.Sub(m.now()), func() {
		m.mu.Lock()
		delete(m.timers, matchID)
		m.mu.Unlock()

		if _, err := m.expire(ctx, matchID); err != nil {
			slog.ErrorContext(ctx, "expiry: timeout settlement failed, left to the sweep", "match_id", matchID, "error", err)
		}
	})
}

func (m *Manager) disarm(matchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[matchID]; ok {
		t.Stop()
		delete(m.timers, matchID)
	}
}

// Armed returns the number of pending timers.
func (m *Manager) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.timers)
}

// Stop cancels the sweep and every pending timer.
func (m *Manager) Stop() error {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	if err := m.sched.Shutdown(); err != nil {
		return fmt.Errorf("expiry: shutdown scheduler: %w", err)
	}

	return nil
}
