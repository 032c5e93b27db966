package audittest

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/dropDatabas3/consentvault/internal/audit"
)

// ErrInjected is returned by a failing Flaky store.
var ErrInjected = errors.New("audittest: injected failure")

// Flaky wraps a store and fails every call while Fail(true) is in effect.
type Flaky struct {
	audit.Store
	failing atomic.Bool
}

func NewFlaky(s audit.Store) *Flaky { return &Flaky{Store: s} }

func (f *Flaky) Fail(on bool) { f.failing.Store(on) }

func (f *Flaky) Append(ctx context.Context, e audit.Event) error {
	if f.failing.Load() {
		return ErrInjected
	}
	return f.Store.Append(ctx, e)
}

func (f *Flaky) HasRevocation(ctx context.Context, id string) (bool, error) {
	if f.failing.Load() {
		return false, ErrInjected
	}
	return f.Store.HasRevocation(ctx, id)
}

func (f *Flaky) History(ctx context.Context, id string) iter.Seq2[audit.Event, error] {
	if f.failing.Load() {
		return func(yield func(audit.Event, error) bool) { yield(audit.Event{}, ErrInjected) }
	}
	return f.Store.History(ctx, id)
}

func (f *Flaky) Ping(ctx context.Context) error {
	if f.failing.Load() {
		return ErrInjected
	}
	return f.Store.Ping(ctx)
}
