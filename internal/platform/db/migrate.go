package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed schema.sql
var schemaSQL string

// Tables lists the managed tables in creation order.
var Tables = []string{"vendors", "customers", "invoices", "line_items", "payments", "documents"}

// Schema returns the embedded DDL.
func Schema() string {
	return schemaSQL
}

// Migrate applies the embedded schema in a single transaction. Every
// statement is idempotent, so running it against an existing database is a
// no-op.
func Migrate(ctx context.Context, db Beginner) error {
	return WithTx(ctx, db, func(tx pgx.Tx) error {
		for i, stmt := range statements(schemaSQL) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("platform/db: migrate statement %d: %w", i+1, err)
			}
		}
		return nil
	})
}

func statements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
