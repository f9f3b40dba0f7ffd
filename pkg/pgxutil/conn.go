// Package pgxutil holds the thin pgx plumbing: a connection interface
// shared by pools and single connections, and row decoding into generic maps
// for the dynamic query layer.
package pgxutil

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the subset of pgx connection behavior the query layer needs,
// satisfied by *pgx.Conn, *pgxpool.Pool and *pgxpool.Conn alike.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
