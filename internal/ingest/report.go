package ingest

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Summary is the outcome of a run. Entity counters only include rows of
// committed batches; Vendors and Customers count newly inserted rows.
type Summary struct {
	Total         int           `json:"total"`
	Processed     int           `json:"processed"`
	Skipped       int           `json:"skipped"`
	Failed        int           `json:"failed"`
	Discarded     int           `json:"discarded"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failed_batches"`
	Vendors       int           `json:"vendors"`
	Customers     int           `json:"customers"`
	Invoices      int           `json:"invoices"`
	LineItems     int           `json:"line_items"`
	Payments      int           `json:"payments"`
	Documents     int           `json:"documents"`
	Duration      time.Duration `json:"duration"`
}

func (s *Summary) add(o Summary) {
	s.Processed += o.Processed
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Vendors += o.Vendors
	s.Customers += o.Customers
	s.Invoices += o.Invoices
	s.LineItems += o.LineItems
	s.Payments += o.Payments
	s.Documents += o.Documents
}

// Print writes the console summary.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintln(w, "Seed Summary:")
	fmt.Fprintf(w, "   Processed: %d documents\n", s.Processed)
	fmt.Fprintf(w, "   Vendors: %d\n", s.Vendors)
	fmt.Fprintf(w, "   Customers: %d\n", s.Customers)
	fmt.Fprintf(w, "   Invoices: %d\n", s.Invoices)
	fmt.Fprintf(w, "   Line Items: %d\n", s.LineItems)
	fmt.Fprintf(w, "   Payments: %d\n", s.Payments)
	fmt.Fprintf(w, "   Documents: %d\n", s.Documents)
	if s.Skipped > 0 || s.Failed > 0 || s.FailedBatches > 0 {
		fmt.Fprintf(w, "   Skipped: %d, Failed: %d, Failed batches: %d (%d items discarded)\n",
			s.Skipped, s.Failed, s.FailedBatches, s.Discarded)
	}
	fmt.Fprintf(w, "   Duration: %s\n", s.Duration.Round(time.Millisecond))
}

// Reporter accumulates batch outcomes and emits progress lines. Batches may
// report from several goroutines.
type Reporter struct {
	mu       sync.Mutex
	logger   *slog.Logger
	every    int
	total    int
	attempts int
	summary  Summary
}

// NewReporter logs progress each time another `every` source items have
// been attempted.
func NewReporter(logger *slog.Logger, total, every int) *Reporter {
	return &Reporter{logger: logger, total: total, every: every, summary: Summary{Total: total}}
}

// Committed folds a committed batch into the summary.
func (r *Reporter) Committed(items int, counts Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Batches++
	r.summary.add(counts)
	r.advance(items)
}

// RolledBack records a discarded batch.
func (r *Reporter) RolledBack(items int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Batches++
	r.summary.FailedBatches++
	r.summary.Discarded += items
	r.advance(items)
}

// Summary returns a snapshot of the counters.
func (r *Reporter) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

func (r *Reporter) advance(items int) {
	before := r.attempts
	r.attempts += items
	if r.every <= 0 || r.logger == nil {
		return
	}
	if r.attempts/r.every > before/r.every {
		r.logger.Info("ingest progress",
			slog.Int("attempted", r.attempts),
			slog.Int("total", r.total),
			slog.Int("processed", r.summary.Processed))
	}
}
