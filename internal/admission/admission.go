// Package admission bounds the number of concurrently running
// invocations with a counting gate. A gate with no limit admits
// everything immediately but still rejects callers once closed.
package admission

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrUnavailable is returned by Acquire once the gate has been closed.
var ErrUnavailable = errors.New("admission: shutting down")

// Gate is a counting admission gate. The zero value is not usable;
// construct with NewGate.
type Gate struct {
	sem    *semaphore.Weighted // nil when unbounded
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGate returns a gate admitting at most limit concurrent holders.
// A limit of 0 means unbounded.
func NewGate(limit int) *Gate {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{ctx: ctx, cancel: cancel}
	if limit > 0 {
		g.sem = semaphore.NewWeighted(int64(limit))
	}
	return g
}

// Acquire blocks until a slot is free, the caller's context is done,
// or the gate is closed. Waiters parked when Close is called fail with
// ErrUnavailable rather than hanging.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if g.ctx.Err() != nil {
		return nil, ErrUnavailable
	}
	if g.sem == nil {
		return &Permit{}, nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.ctx, cancel)
	defer stop()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if g.ctx.Err() != nil {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return &Permit{release: func() { g.sem.Release(1) }}, nil
}

// Close begins rejecting pending and future Acquire calls. Safe to
// call more than once; slots already granted are unaffected.
func (g *Gate) Close() {
	g.cancel()
}

// Permit is a single admission slot. Release returns the slot to the
// gate and is safe to call more than once.
type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}
