// Package migrate bootstraps the relational schema on startup. The
// system carries no standalone migration tool; each entry point applies
// this idempotent DDL once against its database connection before
// serving traffic.
package migrate

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Apply executes the embedded schema DDL. It is safe to call on every
// process startup: enum creation is guarded by exception-swallowing
// DO blocks and table/index creation uses IF NOT EXISTS.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("op=migrate.apply: %w", err)
	}
	return nil
}
