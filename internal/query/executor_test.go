package query

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	columns []string
	data    [][]any
	pos     int
	err     error
	closed  bool
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }
func (r *fakeRows) RawValues() [][]byte           { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return errors.New("not supported") }

func (r *fakeRows) Values() ([]any, error) { return r.data[r.pos-1], nil }

type fakeTx struct {
	pgx.Tx
	rows     *fakeRows
	queryErr error
	lastSQL  string
	rollback bool
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.lastSQL = sql
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	return t.rows, nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollback = true
	return nil
}

type fakeDB struct {
	tx   *fakeTx
	opts pgx.TxOptions
}

func (d *fakeDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	d.opts = opts
	return d.tx, nil
}

type rowCounter struct{ last int }

func (c *rowCounter) ObserveQueryRows(n int) { c.last = n }

func rowsOf(n int) [][]any {
	out := make([][]any, n)
	for i := range out {
		out[i] = []any{int32(i)}
	}
	return out
}

func TestExecuteReadOnly(t *testing.T) {
	tx := &fakeTx{rows: &fakeRows{columns: []string{"name", "spend"}, data: [][]any{
		{"Acme", pgtype.Numeric{Int: big.NewInt(123450), Exp: -2, Valid: true}},
	}}}
	conn := &fakeDB{tx: tx}
	counter := &rowCounter{}
	exec := NewExecutor(conn, 0, 0).WithObserver(counter)

	res, err := exec.Execute(context.Background(), "SELECT name, spend FROM v LIMIT 1000")
	require.NoError(t, err)
	assert.Equal(t, pgx.ReadOnly, conn.opts.AccessMode)
	assert.True(t, tx.rollback)
	assert.Equal(t, []string{"name", "spend"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Acme", res.Rows[0]["name"])
	assert.Equal(t, 1234.5, res.Rows[0]["spend"])
	assert.False(t, res.Truncated)
	assert.Equal(t, 1, counter.last)
}

func TestExecuteCapsRows(t *testing.T) {
	tx := &fakeTx{rows: &fakeRows{columns: []string{"n"}, data: rowsOf(12)}}
	exec := NewExecutor(&fakeDB{tx: tx}, 10, 500)

	res, err := exec.Execute(context.Background(), "SELECT n FROM t LIMIT 1000")
	require.NoError(t, err)
	assert.Len(t, res.Rows, 10)
	assert.True(t, res.Truncated)
	assert.True(t, tx.rows.closed)
}

func TestExecuteExactlyAtCapIsNotTruncated(t *testing.T) {
	tx := &fakeTx{rows: &fakeRows{columns: []string{"n"}, data: rowsOf(10)}}
	res, err := NewExecutor(&fakeDB{tx: tx}, 10, 500).Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Len(t, res.Rows, 10)
	assert.False(t, res.Truncated)
}

func TestExecuteTruncatesLongText(t *testing.T) {
	long := strings.Repeat("é", 12)
	tx := &fakeTx{rows: &fakeRows{columns: []string{"description"}, data: [][]any{{long}, {"short"}}}}
	res, err := NewExecutor(&fakeDB{tx: tx}, 100, 10).Execute(context.Background(), "SELECT description FROM line_items")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 10)+"...", res.Rows[0]["description"])
	assert.Equal(t, "short", res.Rows[1]["description"])
	assert.True(t, res.Truncated)
}

func TestExecuteConvertsDriverValues(t *testing.T) {
	id := [16]byte{0x6b, 0xa7, 0xb8, 0x10, 0x9d, 0xad, 0x11, 0xd1, 0x80, 0xb4, 0x00, 0xc0, 0x4f, 0xd4, 0x30, 0xc8}
	tx := &fakeTx{rows: &fakeRows{columns: []string{"id", "nan", "missing"}, data: [][]any{
		{id, pgtype.Numeric{NaN: true, Valid: true}, nil},
	}}}
	res, err := NewExecutor(&fakeDB{tx: tx}, 0, 0).Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", res.Rows[0]["id"])
	assert.Nil(t, res.Rows[0]["nan"])
	assert.Nil(t, res.Rows[0]["missing"])
}

func TestExecuteEmptyResult(t *testing.T) {
	tx := &fakeTx{rows: &fakeRows{columns: []string{"n"}}}
	res, err := NewExecutor(&fakeDB{tx: tx}, 0, 0).Execute(context.Background(), "SELECT n FROM t WHERE false")
	require.NoError(t, err)
	assert.NotNil(t, res.Rows)
	assert.Empty(t, res.Rows)
	assert.Equal(t, []string{"n"}, res.Columns)
}

func TestExecuteWrapsErrors(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "42P01", Message: `relation "nope" does not exist`}
	tx := &fakeTx{queryErr: pgErr}
	_, err := NewExecutor(&fakeDB{tx: tx}, 0, 0).Execute(context.Background(), "SELECT * FROM nope")
	require.Error(t, err)
	var got *pgconn.PgError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, "42P01", got.Code)

	tx = &fakeTx{rows: &fakeRows{columns: []string{"n"}, err: errors.New("conn reset")}}
	_, err = NewExecutor(&fakeDB{tx: tx}, 0, 0).Execute(context.Background(), "SELECT 1")
	require.ErrorContains(t, err, "conn reset")
}
