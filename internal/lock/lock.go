// Package lock provides exclusive, bounded-wait locks keyed by string.
//
// Admission holds a lock per slot key while it reads headroom and inserts,
// and the payment reconciler holds one per reservation around gateway
// calls.  Distinct keys never contend.  Three backends are available:
// MySQL named locks, Redis and an in-process table for single-instance
// deployments and tests.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the
// requested wait.
var ErrTimeout = errors.New("lock: wait timed out")

// Unlock releases a held lock.  Calling it more than once is a no-op.
type Unlock func()

// Locker acquires exclusive locks.  Acquire blocks for at most wait and
// returns ErrTimeout when the lock stays held by someone else, or the
// context error when ctx ends first.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (Unlock, error)
}

// SessionLocker is implemented by lockers whose locks live on a database
// session.  The returned connection holds the lock until unlock is called,
// and work done under the lock should run on it rather than on a second
// pooled connection.
type SessionLocker interface {
	AcquireSession(ctx context.Context, key string, wait time.Duration) (*sql.Conn, Unlock, error)
}

// SlotKey names the admission lock of a slot.
func SlotKey(restaurantID, date, clock string) string {
	return "slot:" + restaurantID + ":" + date + ":" + clock
}

// PaymentKey names the reconciler lock of a reservation.
func PaymentKey(reservationID string) string {
	return "payment:" + reservationID
}
