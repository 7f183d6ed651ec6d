package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Generation is a monotonically increasing counter identifying the current
// request of a synchronizer. A result is applied only if the generation it was
// started under is still current when it arrives.
type Generation struct {
	n atomic.Uint64
}

// Ticket records the generation a request was started under.
type Ticket struct {
	gen *Generation
	n   uint64
}

// Next starts a new generation, making every outstanding Ticket stale.
func (g *Generation) Next() Ticket {
	return Ticket{gen: g, n: g.n.Add(1)}
}

// Current returns a Ticket for the running generation without invalidating it.
func (g *Generation) Current() Ticket {
	return Ticket{gen: g, n: g.n.Load()}
}

// Invalidate makes every outstanding Ticket stale.
func (g *Generation) Invalidate() {
	g.n.Add(1)
}

// Live reports whether the generation t was issued under is still current.
// The zero Ticket is never live.
func (t Ticket) Live() bool {
	return t.gen != nil && t.gen.n.Load() == t.n
}

// AllLive reports whether every ticket is still live.
func AllLive(tickets ...Ticket) bool {
	for _, t := range tickets {
		if !t.Live() {
			return false
		}
	}
	return true
}

// ErrInFlight is returned when an action is requested while the same action
// is still pending.
var ErrInFlight = errors.New("action already in flight")

// InFlight tracks which named actions are pending. Requests are never queued.
type InFlight struct {
	mu   sync.Mutex
	busy map[string]bool
}

// TryAcquire marks name as pending. The returned release func must be called
// on every exit path; ok is false when name is already pending.
func (f *InFlight) TryAcquire(name string) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy == nil {
		f.busy = make(map[string]bool)
	}
	if f.busy[name] {
		return func() {}, false
	}
	f.busy[name] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.busy, name)
			f.mu.Unlock()
		})
	}, true
}

// Busy reports whether name is pending.
func (f *InFlight) Busy(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[name]
}

// Pending lists every pending action.
func (f *InFlight) Pending() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.busy))
	for name := range f.busy {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ErrDetached is returned when the caller stops waiting for a transaction
// that is still pending. The action stays in flight until it settles.
var ErrDetached = errors.New("stopped waiting for pending transaction")

// Settle runs wait on the lifetime context and returns its result. If ctx ends
// first, Settle returns ErrDetached while wait keeps running. release is
// called as soon as wait returns, before its result is delivered.
func Settle(ctx, lifetime context.Context, release func(), wait func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		err := wait(lifetime)
		release()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrDetached, ctx.Err())
	}
}
