// Package signerlock serializes chain-mutating calls per signer address.
// A wallet may have only one transaction in flight; callers hold the lock
// for the whole submit-and-confirm of one saga.
package signerlock

import (
	"context"
	"strings"
	"sync"
)

// Locker grants exclusive use of a signer address.
type Locker interface {
	// Lock blocks until address is free or ctx ends. The returned func
	// releases the lock and is safe to call more than once.
	Lock(ctx context.Context, address string) (func(), error)
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Local is an in-process Locker.
type Local struct {
	slots sync.Map // map[string]chan struct{}
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{}
}

// Lock implements Locker
func (l *Local) Lock(ctx context.Context, address string) (func(), error) {
	v, _ := l.slots.LoadOrStore(normalize(address), make(chan struct{}, 1))
	slot := v.(chan struct{})

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-slot })
	}, nil
}
