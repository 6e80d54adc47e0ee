package database

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// GuardMode selects how the transaction guard reacts when a pool operation
// runs inside an open transaction.
type GuardMode string

const (
	// GuardModeError rejects the call.
	GuardModeError GuardMode = "error"
	// GuardModeWarn logs and lets the call proceed.
	GuardModeWarn GuardMode = "warn"
)

// Valid reports whether the mode is one of the two supported values.
func (m GuardMode) Valid() bool {
	return m == GuardModeError || m == GuardModeWarn
}

type txMarker struct{}

func markTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, txMarker{}, true)
}

func inTransaction(ctx context.Context) bool {
	return ctx.Value(txMarker{}) != nil
}

// guard rejects (or warns about) pool-handle calls made with a context that
// is inside a Tx callback. Mixing handles that way either deadlocks the
// single-writer native pool or silently escapes the transaction on the
// secondary, so it must be loud.
func (d *DB) guard(ctx context.Context, op string) error {
	if !inTransaction(ctx) {
		return nil
	}
	msg := fmt.Sprintf("database: %s called on the pool inside an open transaction; use tx.%s", op, op)
	if d.guardMode == GuardModeWarn {
		d.logger.Warn(msg, nil)
		return nil
	}
	return errors.New(msg)
}
