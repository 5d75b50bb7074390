package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryState struct {
	vendors   map[string]Vendor
	customers map[string]Customer
	invoices  []Invoice
	lineItems []LineItem
	payments  []Payment
	documents []Document
}

func newMemoryState() *memoryState {
	return &memoryState{vendors: make(map[string]Vendor), customers: make(map[string]Customer)}
}

func (s *memoryState) clone() *memoryState {
	out := newMemoryState()
	for k, v := range s.vendors {
		out.vendors[k] = v
	}
	for k, c := range s.customers {
		out.customers[k] = c
	}
	out.invoices = append([]Invoice(nil), s.invoices...)
	out.lineItems = append([]LineItem(nil), s.lineItems...)
	out.payments = append([]Payment(nil), s.payments...)
	out.documents = append([]Document(nil), s.documents...)
	return out
}

func (s *memoryState) apply(w *memoryState) {
	for k, v := range w.vendors {
		s.vendors[k] = v
	}
	for k, c := range w.customers {
		s.customers[k] = c
	}
	s.invoices = append(s.invoices, w.invoices...)
	s.lineItems = append(s.lineItems, w.lineItems...)
	s.payments = append(s.payments, w.payments...)
	s.documents = append(s.documents, w.documents...)
}

func (s *memoryState) vendorByID(id uuid.UUID) (Vendor, bool) {
	for _, v := range s.vendors {
		if v.ID == id {
			return v, true
		}
	}
	return Vendor{}, false
}

// lockTable models row locks held until the owning transaction ends. A wait
// that would close a cycle fails with SQLSTATE 40P01 like PostgreSQL's
// deadlock detector.
type lockTable struct {
	mu      sync.Mutex
	cond    *sync.Cond
	owner   map[string]int
	waiting map[int]string
}

func newLockTable() *lockTable {
	l := &lockTable{owner: make(map[string]int), waiting: make(map[int]string)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *lockTable) acquire(tx int, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		owner, held := l.owner[key]
		if !held || owner == tx {
			l.owner[key] = tx
			delete(l.waiting, tx)
			return nil
		}
		if l.waitsFor(owner, tx) {
			delete(l.waiting, tx)
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		l.waiting[tx] = key
		l.cond.Wait()
	}
}

// waitsFor reports whether from is, transitively, waiting on to.
func (l *lockTable) waitsFor(from, to int) bool {
	seen := make(map[int]bool)
	for cur := from; !seen[cur]; {
		if cur == to {
			return true
		}
		seen[cur] = true
		key, ok := l.waiting[cur]
		if !ok {
			return false
		}
		if cur, ok = l.owner[key]; !ok {
			return false
		}
	}
	return false
}

func (l *lockTable) releaseAll(tx int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, owner := range l.owner {
		if owner == tx {
			delete(l.owner, key)
		}
	}
	delete(l.waiting, tx)
	l.cond.Broadcast()
}

// memoryRepo runs transactions concurrently. A transaction buffers its writes
// and applies them on commit; party rows stay locked from first write until
// the transaction ends.
type memoryRepo struct {
	mu          sync.Mutex
	state       *memoryState
	locks       *lockTable
	txCount     int
	failCommit  map[int]bool
	failInvoice map[string]error
	// transient counts how many more times an invoice insert hits a deadlock.
	transient   map[string]int
	lockCalls   [][]PartyKey
	clearErr    error
	afterUpsert func(tx int)
}

type memoryTx struct {
	repo  *memoryRepo
	id    int
	local *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state:       newMemoryState(),
		locks:       newLockTable(),
		failCommit:  make(map[int]bool),
		failInvoice: make(map[string]error),
		transient:   make(map[string]int),
	}
}

func (r *memoryRepo) ClearAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clearErr != nil {
		return r.clearErr
	}
	r.state = newMemoryState()
	return nil
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	r.txCount++
	id := r.txCount
	r.mu.Unlock()
	defer r.locks.releaseAll(id)

	tx := &memoryTx{repo: r, id: id, local: newMemoryState()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCommit[id] {
		return errors.New("commit: connection reset")
	}
	r.state.apply(tx.local)
	return nil
}

func (r *memoryRepo) snapshot() *memoryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (r *memoryRepo) committedVendor(key string) (Vendor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state.vendors[key]
	return v, ok
}

func (r *memoryRepo) committedCustomer(key string) (Customer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.state.customers[key]
	return c, ok
}

func (t *memoryTx) WithSavepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	saved := t.local.clone()
	if err := fn(ctx, t); err != nil {
		*t.local = *saved
		return err
	}
	return nil
}

func (t *memoryTx) LockParties(ctx context.Context, keys []PartyKey) error {
	t.repo.mu.Lock()
	t.repo.lockCalls = append(t.repo.lockCalls, append([]PartyKey(nil), keys...))
	t.repo.mu.Unlock()
	for _, key := range keys {
		if err := t.repo.locks.acquire(t.id, "advisory:"+string(key.Kind)+":"+key.ExternalID); err != nil {
			return fmt.Errorf("%w: lock parties: %v", ErrTxAborted, err)
		}
	}
	return nil
}

func (t *memoryTx) UpsertVendor(ctx context.Context, v Vendor) (PartyRef, error) {
	if err := t.repo.locks.acquire(t.id, "vendor:"+v.ExternalID); err != nil {
		return PartyRef{}, fmt.Errorf("upsert vendor: %w", err)
	}
	existing, ok := t.local.vendors[v.ExternalID]
	if !ok {
		existing, ok = t.repo.committedVendor(v.ExternalID)
	}
	ref := PartyRef{ID: existing.ID}
	if !ok {
		ref = PartyRef{ID: newID(v.ID), Inserted: true}
	}
	v.ID = ref.ID
	t.local.vendors[v.ExternalID] = v
	if t.repo.afterUpsert != nil {
		t.repo.afterUpsert(t.id)
	}
	return ref, nil
}

func (t *memoryTx) UpsertCustomer(ctx context.Context, c Customer) (PartyRef, error) {
	if err := t.repo.locks.acquire(t.id, "customer:"+c.ExternalID); err != nil {
		return PartyRef{}, fmt.Errorf("upsert customer: %w", err)
	}
	existing, ok := t.local.customers[c.ExternalID]
	if !ok {
		existing, ok = t.repo.committedCustomer(c.ExternalID)
	}
	ref := PartyRef{ID: existing.ID}
	if !ok {
		ref = PartyRef{ID: newID(c.ID), Inserted: true}
	}
	c.ID = ref.ID
	t.local.customers[c.ExternalID] = c
	if t.repo.afterUpsert != nil {
		t.repo.afterUpsert(t.id)
	}
	return ref, nil
}

func (t *memoryTx) InsertInvoice(ctx context.Context, inv Invoice) (uuid.UUID, error) {
	if err, ok := t.repo.failInvoice[inv.Number]; ok {
		return uuid.Nil, err
	}
	t.repo.mu.Lock()
	remaining := t.repo.transient[inv.Number]
	if remaining > 0 {
		t.repo.transient[inv.Number] = remaining - 1
	}
	t.repo.mu.Unlock()
	if remaining > 0 {
		return uuid.Nil, fmt.Errorf("insert invoice: %w", &pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
	}
	if inv.VendorID != nil && !t.vendorExists(*inv.VendorID) {
		return uuid.Nil, fmt.Errorf("insert invoice: vendor %s does not exist", *inv.VendorID)
	}
	t.local.invoices = append(t.local.invoices, inv)
	return inv.ID, nil
}

func (t *memoryTx) vendorExists(id uuid.UUID) bool {
	if _, ok := t.local.vendorByID(id); ok {
		return true
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	_, ok := t.repo.state.vendorByID(id)
	return ok
}

func (t *memoryTx) InsertLineItem(ctx context.Context, item LineItem) error {
	t.local.lineItems = append(t.local.lineItems, item)
	return nil
}

func (t *memoryTx) InsertPayment(ctx context.Context, p Payment) error {
	t.local.payments = append(t.local.payments, p)
	return nil
}

func (t *memoryTx) InsertDocument(ctx context.Context, d Document) error {
	t.local.documents = append(t.local.documents, d)
	return nil
}

type countingObserver struct {
	mu      sync.Mutex
	items   map[string]int
	batches map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{items: make(map[string]int), batches: make(map[string]int)}
}

func (o *countingObserver) ObserveItem(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[outcome]++
}

func (o *countingObserver) ObserveBatch(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches[outcome]++
}

func wrap(v any) map[string]any {
	return map[string]any{"value": v}
}

type testRecord struct {
	id           string
	number       string
	vendor       string
	vendorNumber string
	invoiceDate  string
	total        string
	payment      bool
	lineItems    int
}

func (r testRecord) raw(t *testing.T) json.RawMessage {
	t.Helper()
	invoice := map[string]any{}
	if r.number != "" {
		invoice["invoiceId"] = wrap(r.number)
	}
	if r.invoiceDate != "" {
		invoice["invoiceDate"] = wrap(r.invoiceDate)
	}
	llm := map[string]any{"invoice": wrap(invoice)}
	if r.vendor != "" {
		vendor := map[string]any{"vendorName": wrap(r.vendor)}
		if r.vendorNumber != "" {
			vendor["vendorPartyNumber"] = wrap(r.vendorNumber)
		}
		llm["vendor"] = wrap(vendor)
	}
	if r.total != "" {
		llm["summary"] = wrap(map[string]any{"invoiceTotal": wrap(r.total)})
	}
	if r.payment {
		llm["payment"] = wrap(map[string]any{"paymentMethod": wrap("transfer")})
	}
	if r.lineItems > 0 {
		items := make([]any, 0, r.lineItems)
		for i := 0; i < r.lineItems; i++ {
			items = append(items, map[string]any{"description": wrap(fmt.Sprintf("line %d", i)), "totalPrice": wrap("1,00")})
		}
		llm["lineItems"] = wrap(map[string]any{"items": wrap(items)})
	}
	out, err := json.Marshal(map[string]any{
		"_id":           r.id,
		"extractedData": map[string]any{"llmData": llm},
	})
	require.NoError(t, err)
	return out
}

func records(t *testing.T, n int, mk func(i int) testRecord) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, mk(i).raw(t))
	}
	return out
}

func newTestService(repo Repository, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	return NewService(repo, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

func invoiceNumbers(s *memoryState) map[string]bool {
	out := make(map[string]bool, len(s.invoices))
	for _, inv := range s.invoices {
		out[inv.Number] = true
	}
	return out
}

func TestServiceRunAcmeScenario(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, Config{})
	input := []json.RawMessage{json.RawMessage(`{"_id":"r1","extractedData":{"llmData":{"invoice":{"value":{"invoiceId":{"value":"INV-001"}}},"vendor":{"value":{"vendorName":{"value":"Acme"}}},"summary":{"value":{"invoiceTotal":{"value":"€100,00"}}}}}}`)}

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	state := repo.snapshot()
	require.Len(t, state.vendors, 1)
	require.Len(t, state.invoices, 1)
	vendor := state.vendors["vendor-r1"]
	assert.Equal(t, "Acme", vendor.Name)

	inv := state.invoices[0]
	assert.Equal(t, "INV-001", inv.Number)
	assert.True(t, inv.TotalAmount.Equal(decimal.RequireFromString("100.00")))
	assert.Equal(t, "EUR", inv.Currency)
	require.NotNil(t, inv.VendorID)
	assert.Equal(t, vendor.ID, *inv.VendorID)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Vendors)
	assert.Equal(t, 1, summary.Invoices)
	assert.Equal(t, 1, summary.Batches)
}

func TestServiceRunInvoiceIffNumber(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, Config{BatchSize: 3})
	input := records(t, 7, func(i int) testRecord {
		rec := testRecord{id: fmt.Sprintf("r%d", i), vendor: "Acme"}
		if i%2 == 0 {
			rec.number = fmt.Sprintf("INV-%d", i)
		}
		return rec
	})
	input = append(input, json.RawMessage(`{"_id":"no-llm"}`))

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	state := repo.snapshot()
	numbers := invoiceNumbers(state)
	assert.Equal(t, map[string]bool{"INV-0": true, "INV-2": true, "INV-4": true, "INV-6": true}, numbers)
	// parties of skipped records are not persisted
	assert.Len(t, state.vendors, 4)
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 4, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 3, summary.Batches)
}

func TestServiceRunDeduplicatesPartiesAcrossBatches(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, Config{BatchSize: 2})
	input := records(t, 5, func(i int) testRecord {
		return testRecord{
			id:           fmt.Sprintf("r%d", i),
			number:       fmt.Sprintf("INV-%d", i),
			vendor:       fmt.Sprintf("Acme rev %d", i),
			vendorNumber: "V-1",
		}
	})

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	state := repo.snapshot()
	require.Len(t, state.vendors, 1)
	vendor := state.vendors["V-1"]
	assert.Equal(t, "Acme rev 4", vendor.Name, "last sighting wins")
	for _, inv := range state.invoices {
		require.NotNil(t, inv.VendorID)
		assert.Equal(t, vendor.ID, *inv.VendorID)
	}
	assert.Equal(t, 1, summary.Vendors)
	assert.Equal(t, 5, summary.Invoices)
}

func TestServiceRunItemFailureIsIsolated(t *testing.T) {
	repo := newMemoryRepo()
	repo.failInvoice["INV-30"] = errors.New("insert invoice: constraint invoices_total_check (23514)")
	svc := newTestService(repo, Config{})

	input := records(t, 100, func(i int) testRecord {
		rec := testRecord{
			id:           fmt.Sprintf("r%d", i+1),
			number:       fmt.Sprintf("INV-%d", i+1),
			vendor:       "Acme",
			vendorNumber: "V-ACME",
			lineItems:    1,
		}
		switch i + 1 {
		case 57:
			rec.invoiceDate = "57/57/2025"
		case 30:
			rec.vendor = "Only In Thirty"
			rec.vendorNumber = "V-30"
		}
		return rec
	})

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	state := repo.snapshot()
	numbers := invoiceNumbers(state)
	assert.Len(t, numbers, 98)
	assert.False(t, numbers["INV-57"])
	assert.False(t, numbers["INV-30"])
	assert.True(t, numbers["INV-56"])
	assert.True(t, numbers["INV-58"])
	assert.True(t, numbers["INV-100"])

	_, ok := state.vendors["V-30"]
	assert.False(t, ok, "rows written before the failing insert are rolled back with the item")
	assert.Len(t, state.lineItems, 98)

	assert.Equal(t, 98, summary.Processed)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 0, summary.FailedBatches)
}

func TestServiceRunBatchCommitFailureIsAtomic(t *testing.T) {
	repo := newMemoryRepo()
	repo.failCommit[3] = true
	obs := newCountingObserver()
	svc := newTestService(repo, Config{}).WithObserver(obs)

	input := records(t, 400, func(i int) testRecord {
		rec := testRecord{id: fmt.Sprintf("r%d", i), number: fmt.Sprintf("INV-%d", i), vendor: "Acme", vendorNumber: "V-ACME"}
		if i >= 250 {
			// first sighting in the failing batch, seen again in batch 4
			rec.vendor = "Late Vendor"
			rec.vendorNumber = "V-LATE"
		}
		return rec
	})

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	state := repo.snapshot()
	numbers := invoiceNumbers(state)
	assert.Len(t, numbers, 300)
	for i := 200; i < 300; i++ {
		assert.False(t, numbers[fmt.Sprintf("INV-%d", i)])
	}
	assert.True(t, numbers["INV-399"])

	late, ok := state.vendors["V-LATE"]
	require.True(t, ok)
	for _, inv := range state.invoices {
		require.NotNil(t, inv.VendorID)
		_, exists := state.vendorByID(*inv.VendorID)
		assert.True(t, exists, "invoice %s references a rolled-back vendor", inv.Number)
	}
	assert.Equal(t, "Late Vendor", late.Name)

	assert.Equal(t, 300, summary.Processed)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, 100, summary.Discarded)
	assert.Equal(t, 2, summary.Vendors)
	assert.Equal(t, 4, summary.Batches)

	assert.Equal(t, 3, obs.batches[OutcomeCommitted])
	assert.Equal(t, 1, obs.batches[OutcomeRolledBack])
	assert.Equal(t, 300, obs.items[OutcomeProcessed])
}

func TestServiceRunAbortedTransactionDiscardsBatch(t *testing.T) {
	repo := newMemoryRepo()
	repo.failInvoice["INV-1"] = fmt.Errorf("%w: rollback savepoint: conn closed", ErrTxAborted)
	svc := newTestService(repo, Config{BatchSize: 2})

	input := records(t, 4, func(i int) testRecord {
		return testRecord{id: fmt.Sprintf("r%d", i), number: fmt.Sprintf("INV-%d", i)}
	})

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	numbers := invoiceNumbers(repo.snapshot())
	assert.Equal(t, map[string]bool{"INV-2": true, "INV-3": true}, numbers)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, 2, summary.Processed)
}

func TestServiceRunPaymentGate(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, Config{})
	input := []json.RawMessage{
		testRecord{id: "paid", number: "A", total: "250,00", payment: true}.raw(t),
		testRecord{id: "zero", number: "B", total: "n/a", payment: true}.raw(t),
		testRecord{id: "nopay", number: "C", total: "10"}.raw(t),
	}

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	state := repo.snapshot()
	require.Len(t, state.payments, 1)
	assert.True(t, state.payments[0].Amount.Equal(decimal.RequireFromString("250")))
	assert.Equal(t, DefaultPaymentStatus, state.payments[0].Status)
	assert.Equal(t, 1, summary.Payments)
	assert.Equal(t, 3, summary.Invoices)
}

func TestServiceRunClearsBeforeIngesting(t *testing.T) {
	repo := newMemoryRepo()
	repo.state.invoices = append(repo.state.invoices, Invoice{ID: uuid.New(), Number: "STALE"})
	svc := newTestService(repo, Config{})

	_, err := svc.Run(context.Background(), []json.RawMessage{testRecord{id: "r", number: "FRESH"}.raw(t)})
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"FRESH": true}, invoiceNumbers(repo.snapshot()))
}

func TestServiceRunClearFailureAborts(t *testing.T) {
	repo := newMemoryRepo()
	repo.clearErr = errors.New("connection refused")
	svc := newTestService(repo, Config{})

	_, err := svc.Run(context.Background(), []json.RawMessage{testRecord{id: "r", number: "X"}.raw(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clear tables")
	assert.Equal(t, 0, repo.txCount)
}

func TestServiceRunParallelWorkersShareIdentities(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, Config{BatchSize: 50, Workers: 4})
	input := records(t, 1000, func(i int) testRecord {
		return testRecord{
			id:           fmt.Sprintf("r%d", i),
			number:       fmt.Sprintf("INV-%d", i),
			vendor:       "Vendor",
			vendorNumber: fmt.Sprintf("V-%d", i%10),
		}
	})

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	state := repo.snapshot()
	assert.Len(t, state.vendors, 10)
	assert.Len(t, state.invoices, 1000)
	assert.Equal(t, 10, summary.Vendors)
	assert.Equal(t, 1000, summary.Processed)
	assert.Equal(t, 20, summary.Batches)
}

func TestServiceRunCrossedPartyOrderAcrossParallelBatches(t *testing.T) {
	repo := newMemoryRepo()
	var (
		mu      sync.Mutex
		started = make(map[int]bool)
		both    = make(chan struct{})
	)
	// Hold each transaction after its first party write until the other one
	// has written too, so unordered locking would interleave into a cycle.
	repo.afterUpsert = func(tx int) {
		mu.Lock()
		if started[tx] {
			mu.Unlock()
			return
		}
		started[tx] = true
		if len(started) == 2 {
			close(both)
		}
		mu.Unlock()
		select {
		case <-both:
		case <-time.After(200 * time.Millisecond):
		}
	}
	svc := newTestService(repo, Config{BatchSize: 2, Workers: 2})
	input := []json.RawMessage{
		testRecord{id: "a1", number: "A-1", vendor: "X", vendorNumber: "V-X"}.raw(t),
		testRecord{id: "a2", number: "A-2", vendor: "Y", vendorNumber: "V-Y"}.raw(t),
		testRecord{id: "b1", number: "B-1", vendor: "Y", vendorNumber: "V-Y"}.raw(t),
		testRecord{id: "b2", number: "B-2", vendor: "X", vendorNumber: "V-X"}.raw(t),
	}

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.FailedBatches)
	assert.Equal(t, 2, summary.Vendors)

	state := repo.snapshot()
	assert.Len(t, state.invoices, 4)
	assert.Len(t, state.vendors, 2)

	want := []PartyKey{{Kind: PartyVendor, ExternalID: "V-X"}, {Kind: PartyVendor, ExternalID: "V-Y"}}
	require.Len(t, repo.lockCalls, 2)
	for _, keys := range repo.lockCalls {
		assert.Equal(t, want, keys)
	}
}

func TestServiceRunRetriesDeadlockedItems(t *testing.T) {
	repo := newMemoryRepo()
	repo.transient["INV-1"] = maxItemAttempts - 1
	repo.transient["INV-2"] = maxItemAttempts
	svc := newTestService(repo, Config{})
	input := records(t, 3, func(i int) testRecord {
		return testRecord{
			id:           fmt.Sprintf("r%d", i),
			number:       fmt.Sprintf("INV-%d", i),
			vendor:       "Acme",
			vendorNumber: fmt.Sprintf("V-%d", i),
			lineItems:    1,
		}
	})

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	state := repo.snapshot()
	assert.Equal(t, map[string]bool{"INV-0": true, "INV-1": true}, invoiceNumbers(state))
	assert.Len(t, state.vendors, 2)
	assert.Len(t, state.lineItems, 2)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Vendors, "a replayed item counts its party once")
	assert.Equal(t, 0, summary.FailedBatches)
}

func TestServiceRunRecordsWithoutIDKeepPartiesApart(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, Config{})
	input := []json.RawMessage{
		testRecord{number: "A", vendor: "Foo"}.raw(t),
		testRecord{number: "B", vendor: "Bar"}.raw(t),
		testRecord{number: "C", vendor: "Baz", vendorNumber: "V-BAZ"}.raw(t),
	}

	summary, err := svc.Run(context.Background(), input)
	require.NoError(t, err)

	state := repo.snapshot()
	assert.Equal(t, map[string]bool{"C": true}, invoiceNumbers(state))
	require.Len(t, state.vendors, 1)
	assert.Equal(t, "Baz", state.vendors["V-BAZ"].Name)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Failed)
}

func TestServiceRunHonoursCancellation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Run(ctx, []json.RawMessage{testRecord{id: "r", number: "X"}.raw(t)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, repo.snapshot().invoices)
}
