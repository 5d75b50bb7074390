package queryhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/flowbit/flowbit/internal/platform/httpx"
	"github.com/flowbit/flowbit/internal/query"
)

const maxBodyBytes = 64 << 10

// QueryService is the question-answering pipeline used by the handler.
type QueryService interface {
	Enabled() bool
	Ask(ctx context.Context, q query.Question) (query.Answer, error)
	Plan(ctx context.Context, q query.Question) (query.Plan, error)
	Run(ctx context.Context, plan query.Plan) (query.Result, error)
}

// Handler serves the chat endpoints.
type Handler struct {
	logger    *slog.Logger
	service   QueryService
	validator *validator.Validate
}

// NewHandler constructs the chat HTTP handler.
func NewHandler(logger *slog.Logger, service QueryService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	q, ok := h.decodeQuestion(w, r)
	if !ok {
		return
	}
	answer, err := h.service.Ask(r.Context(), q)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, answer)
}

type sqlEvent struct {
	Type    string `json:"type"`
	SQL     string `json:"sql"`
	Explain string `json:"explain"`
}

type resultsEvent struct {
	Type string `json:"type"`
	query.Result
}

type errorEvent struct {
	Error string `json:"error"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	q, ok := h.decodeQuestion(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	send := func(v any) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			payload, _ = json.Marshal(errorEvent{Error: err.Error()})
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		_ = rc.Flush()
		return true
	}
	fail := func(err error) {
		h.logError("chat stream", err)
		send(errorEvent{Error: publicMessage(err)})
	}

	plan, err := h.service.Plan(r.Context(), q)
	if err != nil {
		fail(err)
		return
	}
	if !send(sqlEvent{Type: "sql", SQL: plan.SQL, Explain: plan.Explain}) {
		return
	}
	res, err := h.service.Run(r.Context(), plan)
	if err != nil {
		fail(err)
		return
	}
	if !send(resultsEvent{Type: "results", Result: res}) {
		return
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	_ = rc.Flush()
}

func (h *Handler) decodeQuestion(w http.ResponseWriter, r *http.Request) (query.Question, bool) {
	if !h.service.Enabled() {
		httpx.RespondError(w, fmt.Errorf("%w: sql generator not configured", httpx.ErrUnavailable))
		return query.Question{}, false
	}
	var q query.Question
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := httpx.DecodeJSON(r, &q); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be JSON with a question")
		return query.Question{}, false
	}
	q.Question = strings.TrimSpace(q.Question)
	if err := h.validator.Struct(q); err != nil {
		fields := make([]string, 0)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields = append(fields, strings.ToLower(fieldErr.Field())+" "+fieldErr.Tag())
			}
		}
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", ")))
		return query.Question{}, false
	}
	return q, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrUnsafeSQL):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, query.ErrStatementFailed):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Query Failed", err.Error())
	case errors.Is(err, query.ErrGeneratorDisabled), errors.Is(err, query.ErrGeneratorUnavailable):
		h.logError("chat", err)
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnavailable, err))
	case errors.Is(err, query.ErrGeneratorFailed):
		h.logError("chat", err)
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadGateway, err))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.Problem(w, http.StatusGatewayTimeout, "Timeout", "question took too long to answer")
	default:
		h.logError("chat", err)
		httpx.RespondError(w, err)
	}
}

// publicMessage hides unexpected failures from stream clients.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, query.ErrUnsafeSQL),
		errors.Is(err, query.ErrStatementFailed),
		errors.Is(err, query.ErrGeneratorDisabled),
		errors.Is(err, query.ErrGeneratorUnavailable),
		errors.Is(err, query.ErrGeneratorFailed):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "question took too long to answer"
	default:
		return "internal error"
	}
}

func (h *Handler) logError(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.logger.Error("query request failed", slog.String("op", op), slog.Any("error", err))
}
