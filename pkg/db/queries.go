package db

import (
	"database/sql"

	"github.com/pkg/errors"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
)

// Queries runs statements against a database handle or an open transaction.
// Inside WithTx, use only the Queries passed to the callback: the pool has a
// single connection and a second handle would block on it.
type Queries struct {
	q Querier
}

// NewQueries binds queries to q.
func NewQueries(q Querier) *Queries {
	return &Queries{q: q}
}

const (
	defaultPageSize = 100
	MaxPageSize     = 1000
)

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
