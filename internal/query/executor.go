package query

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/flowbit/flowbit/internal/platform/db"
)

// Result is the tabular outcome of an executed statement.
type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated"`
}

// RowObserver records result sizes. observability.Metrics satisfies it.
type RowObserver interface {
	ObserveQueryRows(n int)
}

// Executor runs sanitized statements inside read-only transactions.
type Executor struct {
	db       db.Beginner
	maxRows  int
	maxText  int
	observer RowObserver
}

// NewExecutor builds an Executor. Non-positive limits fall back to 1000 rows
// and 500 characters.
func NewExecutor(conn db.Beginner, maxRows, maxText int) *Executor {
	if maxRows <= 0 {
		maxRows = DefaultLimit
	}
	if maxText <= 0 {
		maxText = 500
	}
	return &Executor{db: conn, maxRows: maxRows, maxText: maxText}
}

// WithObserver attaches result size reporting.
func (e *Executor) WithObserver(o RowObserver) *Executor {
	e.observer = o
	return e
}

// Execute runs sql and collects at most maxRows rows. Truncated reports that
// rows were dropped or a text value was shortened.
func (e *Executor) Execute(ctx context.Context, sql string) (Result, error) {
	var res Result
	err := db.WithReadOnlyTx(ctx, e.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql)
		if err != nil {
			return err
		}
		res, err = e.collect(rows)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("query: execute: %w", err)
	}
	if e.observer != nil {
		e.observer.ObserveQueryRows(len(res.Rows))
	}
	return res, nil
}

func (e *Executor) collect(rows pgx.Rows) (Result, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := Result{Columns: make([]string, len(fields)), Rows: []map[string]any{}}
	for i, f := range fields {
		res.Columns[i] = f.Name
	}

	for rows.Next() {
		if len(res.Rows) >= e.maxRows {
			res.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return Result{}, err
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			out, cut := e.jsonValue(v)
			if cut {
				res.Truncated = true
			}
			row[res.Columns[i]] = out
		}
		res.Rows = append(res.Rows, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// jsonValue converts a driver value into something encoding/json renders
// sensibly and shortens long text. The flag reports truncation.
func (e *Executor) jsonValue(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		return truncateText(val, e.maxText)
	case pgtype.Numeric:
		return numericValue(val), false
	case [16]byte:
		return uuid.UUID(val).String(), false
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, false
		}
		return val, false
	default:
		return v, false
	}
}

func numericValue(n pgtype.Numeric) any {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
		return nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp).InexactFloat64()
}

func truncateText(s string, max int) (string, bool) {
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:max]) + "...", true
}
