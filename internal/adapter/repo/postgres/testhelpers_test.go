package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// txStub implements pgx.Tx for UpdateStatus-style tests.
type txStub struct {
	execErr   error
	commitErr error
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error)              { return t, nil }
func (t *txStub) BeginFunc(context.Context, func(pgx.Tx) error) error { return nil }
func (t *txStub) Commit(context.Context) error                       { return t.commitErr }
func (t *txStub) Rollback(context.Context) error                     { return nil }
func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                        { return pgx.LargeObjects{} }
func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *txStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, t.execErr
}
func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return rowStub{scan: func(dest ...any) error { *(dest[0].(*int64)) = 0; return nil }}
}
func (t *txStub) Conn() *pgx.Conn { return nil }

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execErr error
	row     rowStub
	tx      *txStub
	beginErr error
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("query not configured")
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}
