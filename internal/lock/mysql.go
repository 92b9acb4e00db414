package lock

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MySQL names are limited to 64 characters.
const mysqlMaxLockName = 64

// MySQL is a Locker backed by GET_LOCK/RELEASE_LOCK.  Named locks belong
// to a session, so every held lock pins one pooled connection until it is
// released.  A lock is freed by the server when its session ends.
type MySQL struct {
	db  *sql.DB
	log *zap.Logger
}

// NewMySQL returns a MySQL named-lock locker over db.
func NewMySQL(db *sql.DB, log *zap.Logger) *MySQL {
	if log == nil {
		log = zap.NewNop()
	}
	return &MySQL{db: db, log: log}
}

// Acquire implements Locker.
func (m *MySQL) Acquire(ctx context.Context, key string, wait time.Duration) (Unlock, error) {
	_, unlock, err := m.AcquireSession(ctx, key, wait)
	return unlock, err
}

// AcquireSession takes the named lock and returns the connection holding
// it.  Checking out the connection counts against wait, so an exhausted
// pool times out like a held lock.  The connection must not be closed by
// the caller; unlock releases the lock and returns it to the pool.
func (m *MySQL) AcquireSession(ctx context.Context, key string, wait time.Duration) (*sql.Conn, Unlock, error) {
	name := mysqlLockName(key)
	deadline := time.Now().Add(wait)

	checkoutCtx, cancel := context.WithDeadline(ctx, deadline)
	conn, err := m.db.Conn(checkoutCtx)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}

	// GET_LOCK waits in whole seconds; 0 tries once
	secs := max(int(math.Ceil(time.Until(deadline).Seconds())), 0)
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, secs).Scan(&got); err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, err
	}
	if !got.Valid {
		_ = conn.Close()
		return nil, nil, errors.New("lock: GET_LOCK returned NULL")
	}
	if got.Int64 != 1 {
		_ = conn.Close()
		return nil, nil, ErrTimeout
	}

	var once sync.Once
	return conn, func() {
		once.Do(func() { m.release(conn, key, name) })
	}, nil
}

func (m *MySQL) release(conn *sql.Conn, key, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var released sql.NullInt64
	err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", name).Scan(&released)
	if err == nil && released.Valid && released.Int64 == 1 {
		_ = conn.Close()
		return
	}
	m.log.Warn("mysql lock release failed; discarding connection",
		zap.String("key", key), zap.Error(err))
	// a bad connection is closed instead of pooled, ending the session and
	// with it the lock
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

func mysqlLockName(key string) string {
	if len(key) <= mysqlMaxLockName {
		return key
	}
	sum := sha1.Sum([]byte(key))
	return "h:" + hex.EncodeToString(sum[:])
}
