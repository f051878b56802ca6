// Package control holds the pause and cancel signals shared by every worker of a session.
package control

import (
	"context"
	"errors"
	"sync"
)

var ErrCancelled = errors.New("cancelled by user")

// Gate blocks callers of Wait while paused. The zero value is an open gate; a nil *Gate never blocks.
type Gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func (g *Gate) Pause() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
}

func (g *Gate) Resume() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

func (g *Gate) Paused() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait returns once the gate is open, or ErrCancelled if ctx ends first.
// No lock is held while blocked.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return Cancelled(ctx)
		}
		if g == nil {
			return nil
		}
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		ch := g.resume
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return Cancelled(ctx)
		case <-ch:
		}
	}
}

// Cancelled wraps the context error as ErrCancelled so callers can test for either.
func Cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrCancelled, err)
	}
	return ErrCancelled
}

// Checkpoint is the suspension point used before every request and between chunks.
func Checkpoint(ctx context.Context, g *Gate) error {
	return g.Wait(ctx)
}
