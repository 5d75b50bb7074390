package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the storage boundary of an ingestion run.
type Repository interface {
	// ClearAll deletes every row of the six tables in one transaction.
	ClearAll(ctx context.Context) error
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the writes available inside a batch transaction.
type TxRepository interface {
	// WithSavepoint runs fn inside a savepoint. An error from fn rolls back
	// to the savepoint and is returned as-is; if the savepoint itself cannot
	// be rolled back or released the error wraps ErrTxAborted.
	WithSavepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// LockParties holds a transaction-scoped lock on every given party until
	// the transaction ends. Locks are taken in one global order, so batches
	// sharing parties queue behind each other instead of deadlocking on the
	// party rows.
	LockParties(ctx context.Context, keys []PartyKey) error
	UpsertVendor(ctx context.Context, v Vendor) (PartyRef, error)
	UpsertCustomer(ctx context.Context, c Customer) (PartyRef, error)
	InsertInvoice(ctx context.Context, inv Invoice) (uuid.UUID, error)
	InsertLineItem(ctx context.Context, item LineItem) error
	InsertPayment(ctx context.Context, p Payment) error
	InsertDocument(ctx context.Context, d Document) error
}

// clearOrder deletes dependents before the rows they reference.
var clearOrder = []string{"documents", "payments", "line_items", "invoices", "customers", "vendors"}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

type pgTx struct {
	tx pgx.Tx
}

func (r *pgRepository) ClearAll(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ingest: begin clear: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	for _, table := range clearOrder {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("ingest: clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ingest: commit clear: %w", err)
	}
	return nil
}

// WithTx uses read-committed isolation so concurrent batches block on, and
// then see, each other's party upserts instead of failing serialization.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("ingest: begin tx: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ingest: commit tx: %w", err)
	}
	return nil
}

func (t *pgTx) WithSavepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: savepoint: %v", ErrTxAborted, err)
	}
	if err := fn(ctx, &pgTx{tx: sp}); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w: rollback savepoint: %v (item error: %v)", ErrTxAborted, rbErr, err)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("%w: release savepoint: %v", ErrTxAborted, err)
	}
	return nil
}

func (t *pgTx) LockParties(ctx context.Context, keys []PartyKey) error {
	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key.lockID())
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue("SELECT pg_advisory_xact_lock($1)", id)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: lock parties: %v", ErrTxAborted, err)
	}
	return nil
}

// lockID maps a party onto the advisory lock space. Collisions only make two
// batches wait on each other.
func (k PartyKey) lockID() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.Kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.ExternalID))
	return int64(h.Sum64())
}

func (t *pgTx) UpsertVendor(ctx context.Context, v Vendor) (PartyRef, error) {
	const query = `
		INSERT INTO vendors (id, vendor_id, name, category, meta)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vendor_id) DO UPDATE
		SET name = EXCLUDED.name, category = EXCLUDED.category, meta = EXCLUDED.meta
		RETURNING id, (xmax = 0) AS inserted
	`
	var ref PartyRef
	err := t.tx.QueryRow(ctx, query, newID(v.ID), v.ExternalID, v.Name, v.Category, v.Meta).Scan(&ref.ID, &ref.Inserted)
	if err != nil {
		return PartyRef{}, classify("upsert vendor", err)
	}
	return ref, nil
}

func (t *pgTx) UpsertCustomer(ctx context.Context, c Customer) (PartyRef, error) {
	const query = `
		INSERT INTO customers (id, customer_id, name, meta)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (customer_id) DO UPDATE
		SET name = EXCLUDED.name, meta = EXCLUDED.meta
		RETURNING id, (xmax = 0) AS inserted
	`
	var ref PartyRef
	err := t.tx.QueryRow(ctx, query, newID(c.ID), c.ExternalID, c.Name, c.Meta).Scan(&ref.ID, &ref.Inserted)
	if err != nil {
		return PartyRef{}, classify("upsert customer", err)
	}
	return ref, nil
}

func (t *pgTx) InsertInvoice(ctx context.Context, inv Invoice) (uuid.UUID, error) {
	const query = `
		INSERT INTO invoices (
			id, invoice_number, vendor_id, customer_id, date, due_date,
			status, currency, subtotal, tax, total_amount
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, query,
		newID(inv.ID), inv.Number, inv.VendorID, inv.CustomerID, inv.Date, inv.DueDate,
		inv.Status, inv.Currency, inv.Subtotal, inv.Tax, inv.TotalAmount,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, classify("insert invoice", err)
	}
	return id, nil
}

func (t *pgTx) InsertLineItem(ctx context.Context, item LineItem) error {
	const query = `
		INSERT INTO line_items (id, invoice_id, description, quantity, unit_price, total, category)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := t.tx.Exec(ctx, query,
		newID(item.ID), item.InvoiceID, item.Description, item.Quantity, item.UnitPrice, item.Total, item.Category,
	)
	return classify("insert line item", err)
}

func (t *pgTx) InsertPayment(ctx context.Context, p Payment) error {
	const query = `
		INSERT INTO payments (id, invoice_id, amount, method, date, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.tx.Exec(ctx, query, newID(p.ID), p.InvoiceID, p.Amount, p.Method, p.Date, p.Status)
	return classify("insert payment", err)
}

func (t *pgTx) InsertDocument(ctx context.Context, d Document) error {
	const query = `
		INSERT INTO documents (id, invoice_id, file_name, url, uploaded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := t.tx.Exec(ctx, query, newID(d.ID), d.InvoiceID, d.FileName, d.URL, d.UploadedAt)
	return classify("insert document", err)
}

func newID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}

// SQLSTATE codes PostgreSQL uses for conflicts that a retry can clear.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
)

// IsTransient reports whether err is a deadlock or serialization failure.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlstateDeadlockDetected || pgErr.Code == sqlstateSerializationFailure
}

// classify wraps err with the operation and, for constraint violations, the
// constraint name so item log lines say which rule the record broke.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName != "" {
		return fmt.Errorf("ingest: %s: constraint %s (%s): %w", op, pgErr.ConstraintName, pgErr.Code, err)
	}
	return fmt.Errorf("ingest: %s: %w", op, err)
}
