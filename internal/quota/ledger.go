// Package quota enforces the provider's rolling 24 hour API budget. Every
// outbound REST call reserves one slot before it is issued; reservations are
// never released, matching the provider's accounting of failed calls.
package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/langchou/cardata/internal/events"
)

// Store persists reservation timestamps across restarts.
type Store interface {
	LoadReservations(ctx context.Context, accountID string) ([]time.Time, error)
	AppendReservation(ctx context.Context, accountID string, ts time.Time) error
	PruneReservations(ctx context.Context, accountID string, cutoff time.Time) error
}

// QuotaExceededError reports a refused reservation and how long the caller
// has to wait until the oldest reservation ages out.
type QuotaExceededError struct {
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("api quota exceeded; retry in %s", e.RetryAfter.Round(time.Second))
}

// Ledger tracks call timestamps within the trailing window.
type Ledger struct {
	mu         sync.Mutex
	clock      clock.Clock
	accountID  string
	capacity   int
	window     time.Duration
	timestamps []time.Time
	store      Store
}

// NewLedger creates a ledger with the given capacity and window.
func NewLedger(clk clock.Clock, accountID string, capacity int, window time.Duration, store Store) *Ledger {
	return &Ledger{
		clock:     clk,
		accountID: accountID,
		capacity:  capacity,
		window:    window,
		store:     store,
	}
}

// Restore loads persisted reservations, dropping entries outside the window.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	stamps, err := l.store.LoadReservations(ctx, l.accountID)
	if err != nil {
		return fmt.Errorf("load quota log: %w", err)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	l.mu.Lock()
	defer l.mu.Unlock()
	l.timestamps = stamps
	l.prune(l.clock.Now())
	return nil
}

// prune drops timestamps older than the window. Callers hold l.mu.
func (l *Ledger) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}

// TryReserve claims one slot at the current time. The reservation is atomic
// with respect to concurrent callers; a refused attempt consumes nothing.
func (l *Ledger) TryReserve(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	if len(l.timestamps) >= l.capacity {
		oldest := l.timestamps[0]
		retry := oldest.Add(l.window).Sub(now)
		if retry <= 0 {
			retry = time.Second
		}
		return &QuotaExceededError{RetryAfter: retry}
	}

	l.timestamps = append(l.timestamps, now)
	if l.store != nil {
		if err := l.store.AppendReservation(ctx, l.accountID, now); err != nil {
			// the slot stays claimed; losing the persisted entry only makes
			// the ledger stricter after a restart
			return nil
		}
		_ = l.store.PruneReservations(ctx, l.accountID, now.Add(-l.window))
	}
	return nil
}

// Used returns the number of reservations inside the window.
func (l *Ledger) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.timestamps)
}

// Remaining returns the free slots inside the window.
func (l *Ledger) Remaining() int {
	used := l.Used()
	if used >= l.capacity {
		return 0
	}
	return l.capacity - used
}

// NextReset returns when the oldest reservation ages out, or nil while the
// ledger is not full.
func (l *Ledger) NextReset() *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	if len(l.timestamps) < l.capacity {
		return nil
	}
	reset := l.timestamps[0].Add(l.window)
	return &reset
}

// Snapshot builds a diagnostics event of the current usage.
func (l *Ledger) Snapshot() events.QuotaSnapshot {
	return events.QuotaSnapshot{
		Used:      l.Used(),
		Remaining: l.Remaining(),
		NextReset: l.NextReset(),
	}
}
