package ingest

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Observer receives per-item and per-batch outcomes, e.g. for metrics.
type Observer interface {
	ObserveItem(outcome string)
	ObserveBatch(outcome string)
}

// Outcome labels passed to an Observer.
const (
	OutcomeProcessed  = "processed"
	OutcomeSkipped    = "skipped"
	OutcomeFailed     = "failed"
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
)

// Config tunes a run.
type Config struct {
	BatchSize     int
	ProgressEvery int
	Workers       int
	Now           func() time.Time
}

const (
	defaultBatchSize     = 100
	defaultProgressEvery = 500
)

// Service drives ingestion runs.
type Service struct {
	repo     Repository
	logger   *slog.Logger
	cfg      Config
	observer Observer
}

// NewService wires the repository with run settings.
func NewService(repo Repository, logger *slog.Logger, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultProgressEvery
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, cfg: cfg}
}

// WithObserver attaches an outcome observer.
func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

type batch struct {
	index int
	start int
	items []json.RawMessage
}

// Run clears the store and ingests records in fixed-size batches. Item and
// batch failures are logged and counted, never returned; the error is
// non-nil only when the store cannot be cleared or ctx is cancelled.
func (s *Service) Run(ctx context.Context, records []json.RawMessage) (Summary, error) {
	started := time.Now()
	s.logger.Info("ingest start", slog.Int("records", len(records)), slog.Int("batch_size", s.cfg.BatchSize), slog.Int("workers", s.cfg.Workers))

	if err := s.repo.ClearAll(ctx); err != nil {
		return Summary{}, fmt.Errorf("ingest: clear tables: %w", err)
	}

	ids := NewIdentityMap()
	reporter := NewReporter(s.logger, len(records), s.cfg.ProgressEvery)
	batches := partition(records, s.cfg.BatchSize)

	var runErr error
	if s.cfg.Workers == 1 {
		for _, b := range batches {
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}
			s.runBatch(ctx, ids, reporter, b)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Workers)
		for _, b := range batches {
			b := b
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				s.runBatch(gctx, ids, reporter, b)
				return nil
			})
		}
		runErr = g.Wait()
	}

	summary := reporter.Summary()
	summary.Duration = time.Since(started)
	if runErr != nil {
		s.logger.Warn("ingest interrupted", slog.Any("error", runErr), slog.Int("processed", summary.Processed))
		return summary, runErr
	}
	s.logger.Info("ingest complete",
		slog.Int("processed", summary.Processed),
		slog.Int("failed", summary.Failed),
		slog.Int("failed_batches", summary.FailedBatches),
		slog.Duration("duration", summary.Duration))
	return summary, nil
}

// maxItemAttempts bounds how often an item savepoint is replayed after a
// deadlock or serialization failure.
const maxItemAttempts = 3

// preparedItem is a record parsed and normalised before the batch
// transaction opens. outcome is set when the record never reaches the store.
type preparedItem struct {
	rec     Record
	draft   Draft
	outcome string
}

// runBatch commits the batch's surviving items as one transaction. Item
// failures roll back only the item's savepoint; anything escaping the item
// boundary rolls back the whole batch, including its staged identities.
func (s *Service) runBatch(ctx context.Context, ids *IdentityMap, reporter *Reporter, b batch) {
	items := make([]preparedItem, 0, len(b.items))
	for i, raw := range b.items {
		items = append(items, s.prepare(raw, b.start+i))
	}
	parties := batchParties(items)

	scope := ids.Scope()
	var counts Summary
	outcomes := make([]string, 0, len(items))

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockParties(ctx, parties); err != nil {
			return err
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcome, err := s.ingestItem(ctx, tx, scope, &counts, item)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("batch rolled back",
			slog.Int("batch", b.index),
			slog.Int("from", b.start),
			slog.Int("to", b.start+len(b.items)),
			slog.Any("error", err))
		reporter.RolledBack(len(b.items))
		s.observeBatch(OutcomeRolledBack)
		return
	}

	scope.Commit()
	reporter.Committed(len(b.items), counts)
	s.observeBatch(OutcomeCommitted)
	for _, outcome := range outcomes {
		s.observeItem(outcome)
	}
}

func (s *Service) prepare(raw json.RawMessage, position int) preparedItem {
	var item preparedItem
	rec, err := ParseRecord(raw)
	if err != nil {
		s.logger.Warn("item failed", slog.String("record_id", "unknown"), slog.Int("position", position), slog.Any("error", err))
		item.outcome = OutcomeFailed
		return item
	}
	item.rec = rec

	draft, err := BuildDraft(rec, s.cfg.Now())
	if err != nil {
		if IsSkip(err) {
			s.logger.Debug("item skipped", slog.String("record_id", rec.LogID()), slog.String("reason", err.Error()))
			item.outcome = OutcomeSkipped
			return item
		}
		s.logger.Warn("item failed", slog.String("record_id", rec.LogID()), slog.Int("position", position), slog.Any("error", err))
		item.outcome = OutcomeFailed
		return item
	}
	item.draft = draft
	return item
}

// batchParties returns the distinct parties the batch may write, in the
// order LockParties expects them.
func batchParties(items []preparedItem) []PartyKey {
	seen := make(map[PartyKey]struct{})
	var keys []PartyKey
	for _, item := range items {
		if item.outcome != "" {
			continue
		}
		for _, key := range item.draft.Parties() {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, b PartyKey) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.ExternalID, b.ExternalID)
	})
	return keys
}

// ingestItem returns a non-nil error only when the batch must be aborted.
func (s *Service) ingestItem(ctx context.Context, tx TxRepository, batchScope *IdentityScope, counts *Summary, item preparedItem) (string, error) {
	switch item.outcome {
	case OutcomeSkipped:
		counts.Skipped++
		return OutcomeSkipped, nil
	case OutcomeFailed:
		counts.Failed++
		return OutcomeFailed, nil
	}

	var err error
	for attempt := 1; ; attempt++ {
		itemScope := batchScope.Scope()
		var itemCounts Summary
		err = tx.WithSavepoint(ctx, func(ctx context.Context, itx TxRepository) error {
			return persistDraft(ctx, itx, itemScope, &itemCounts, item.draft)
		})
		if err == nil {
			itemScope.Commit()
			itemCounts.Processed++
			counts.add(itemCounts)
			return OutcomeProcessed, nil
		}
		if attempt == maxItemAttempts || !IsTransient(err) || ctx.Err() != nil {
			break
		}
		s.logger.Warn("item retry", slog.String("record_id", item.rec.LogID()), slog.Int("attempt", attempt), slog.Any("error", err))
	}

	if errors.Is(err, ErrTxAborted) || ctx.Err() != nil {
		return "", err
	}
	s.logger.Warn("item failed", slog.String("record_id", item.rec.LogID()), slog.Any("error", err))
	counts.Failed++
	return OutcomeFailed, nil
}

// persistDraft writes one record's rows: parties first, then the invoice and
// the rows it owns.
func persistDraft(ctx context.Context, tx TxRepository, ids *IdentityScope, counts *Summary, d Draft) error {
	inv := d.Invoice
	if d.Vendor != nil {
		id, created, err := resolveVendor(ctx, tx, ids, *d.Vendor)
		if err != nil {
			return err
		}
		inv.VendorID = &id
		if created {
			counts.Vendors++
		}
	}
	if d.Customer != nil {
		id, created, err := resolveCustomer(ctx, tx, ids, *d.Customer)
		if err != nil {
			return err
		}
		inv.CustomerID = &id
		if created {
			counts.Customers++
		}
	}

	inv.ID = uuid.New()
	invoiceID, err := tx.InsertInvoice(ctx, inv)
	if err != nil {
		return err
	}
	counts.Invoices++

	for _, item := range d.LineItems {
		item.ID = uuid.New()
		item.InvoiceID = invoiceID
		if err := tx.InsertLineItem(ctx, item); err != nil {
			return err
		}
		counts.LineItems++
	}
	if d.Payment != nil {
		p := *d.Payment
		p.ID = uuid.New()
		p.InvoiceID = invoiceID
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		counts.Payments++
	}
	if d.Document != nil {
		doc := *d.Document
		doc.ID = uuid.New()
		doc.InvoiceID = invoiceID
		if err := tx.InsertDocument(ctx, doc); err != nil {
			return err
		}
		counts.Documents++
	}
	return nil
}

// resolveVendor upserts the vendor so later sightings overwrite its
// attributes, and pins the surrogate id to the first one seen in the run.
func resolveVendor(ctx context.Context, tx TxRepository, ids *IdentityScope, v Vendor) (uuid.UUID, bool, error) {
	cached, known := ids.Lookup(PartyVendor, v.ExternalID)
	if known {
		v.ID = cached
	}
	ref, err := tx.UpsertVendor(ctx, v)
	if err != nil {
		return uuid.Nil, false, err
	}
	return pin(ids, PartyVendor, v.ExternalID, cached, known, ref)
}

func resolveCustomer(ctx context.Context, tx TxRepository, ids *IdentityScope, c Customer) (uuid.UUID, bool, error) {
	cached, known := ids.Lookup(PartyCustomer, c.ExternalID)
	if known {
		c.ID = cached
	}
	ref, err := tx.UpsertCustomer(ctx, c)
	if err != nil {
		return uuid.Nil, false, err
	}
	return pin(ids, PartyCustomer, c.ExternalID, cached, known, ref)
}

func pin(ids *IdentityScope, kind PartyKind, externalID string, cached uuid.UUID, known bool, ref PartyRef) (uuid.UUID, bool, error) {
	if known {
		if ref.ID != cached {
			return uuid.Nil, false, fmt.Errorf("%w: %s %q is %s, run holds %s", ErrIdentityConflict, kind, externalID, ref.ID, cached)
		}
		return cached, ref.Inserted, nil
	}
	ids.Stage(kind, externalID, ref.ID)
	return ref.ID, ref.Inserted, nil
}

func partition(records []json.RawMessage, size int) []batch {
	var out []batch
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, batch{index: len(out), start: start, items: records[start:end]})
	}
	return out
}

func (s *Service) observeItem(outcome string) {
	if s.observer != nil {
		s.observer.ObserveItem(outcome)
	}
}

func (s *Service) observeBatch(outcome string) {
	if s.observer != nil {
		s.observer.ObserveBatch(outcome)
	}
}
