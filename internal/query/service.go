package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrStatementFailed marks SQL that passed the guard but was rejected by
// PostgreSQL.
var ErrStatementFailed = errors.New("query: statement failed")

// Question is an incoming natural language question. Schema overrides the
// generated schema context when set.
type Question struct {
	Question string `json:"question" validate:"required,max=2000"`
	Schema   string `json:"schema,omitempty" validate:"max=20000"`
}

// Plan is sanitized SQL ready to execute.
type Plan struct {
	SQL     string `json:"sql"`
	Explain string `json:"explain"`
}

// Answer is a plan together with its result.
type Answer struct {
	Plan
	Result
}

// StatementExecutor runs sanitized SQL.
type StatementExecutor interface {
	Execute(ctx context.Context, sql string) (Result, error)
}

// Service drives generate, sanitize, execute and truncate.
type Service struct {
	generator Generator
	executor  StatementExecutor
	samples   SampleSource
	logger    *slog.Logger
}

// NewService wires the pipeline. A nil generator disables it.
func NewService(generator Generator, executor StatementExecutor, samples SampleSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{generator: generator, executor: executor, samples: samples, logger: logger}
}

// Enabled reports whether a generator is configured.
func (s *Service) Enabled() bool {
	if s == nil || s.generator == nil {
		return false
	}
	if g, ok := s.generator.(*HTTPGenerator); ok && g == nil {
		return false
	}
	return true
}

// Ask answers q end to end.
func (s *Service) Ask(ctx context.Context, q Question) (Answer, error) {
	plan, err := s.Plan(ctx, q)
	if err != nil {
		return Answer{}, err
	}
	res, err := s.Run(ctx, plan)
	if err != nil {
		return Answer{Plan: plan}, err
	}
	return Answer{Plan: plan, Result: res}, nil
}

// Plan asks the generator for SQL and sanitizes it.
func (s *Service) Plan(ctx context.Context, q Question) (Plan, error) {
	if !s.Enabled() {
		return Plan{}, ErrGeneratorDisabled
	}
	schema := strings.TrimSpace(q.Schema)
	if schema == "" {
		schema = s.schemaContext(ctx)
	}
	gen, err := s.generator.Generate(ctx, q.Question, schema)
	if err != nil {
		return Plan{}, err
	}
	sql, err := Sanitize(gen.SQL)
	if err != nil {
		s.logger.Warn("generated sql rejected", slog.String("sql", gen.SQL), slog.Any("error", err))
		return Plan{}, err
	}
	return Plan{SQL: sql, Explain: gen.Explain}, nil
}

// Run executes a sanitized plan.
func (s *Service) Run(ctx context.Context, plan Plan) (Result, error) {
	res, err := s.executor.Execute(ctx, plan.SQL)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return Result{}, fmt.Errorf("%w: %s (SQLSTATE %s)", ErrStatementFailed, pgErr.Message, pgErr.Code)
		}
		return Result{}, err
	}
	return res, nil
}

func (s *Service) schemaContext(ctx context.Context) string {
	if s.samples == nil {
		return SchemaContext(Samples{})
	}
	samples, err := s.samples.Samples(ctx)
	if err != nil {
		s.logger.Warn("schema samples unavailable", slog.Any("error", err))
		return SchemaContext(Samples{})
	}
	return SchemaContext(samples)
}
