// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// booking services to distinguish between different failure scenarios
// without inspecting driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a lookup by primary key or by payment
// intent yields no rows.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint,
// such as storing a payment intent id that already belongs to another
// reservation.
var ErrConflict = errors.New("conflict")

// MySQL server error numbers the repositories translate.
const (
	mysqlDuplicateEntry = 1062
)

// translate maps driver errors onto the sentinels above.  Unknown errors
// are returned unchanged.
func translate(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return ErrConflict
	}
	return err
}
