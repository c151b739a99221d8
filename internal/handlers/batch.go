package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"sdg-inference/internal/llm"
	"sdg-inference/pkg/logging/logging"
)

// BatchRequest is the body of both batch endpoints.
type BatchRequest struct {
	Requests []RequestItem `json:"requests"`
}

type RequestItem struct {
	Args   []string       `json:"args"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// BatchResponse holds one result per request, in request order: strings for
// generation, numbers for log-likelihood.
type BatchResponse struct {
	Results []any `json:"results"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// BatchHandler serves the generator over HTTP.
type BatchHandler struct {
	gen llm.Generator
}

func NewBatchHandler(gen llm.Generator) *BatchHandler {
	return &BatchHandler{gen: gen}
}

// GenerateBatch handles POST /v1/generate_batch. Each request is [context].
func (h *BatchHandler) GenerateBatch(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, llm.OpGenerate, h.gen.GenerateBatch)
}

// Loglikelihood handles POST /v1/loglikelihood. Each request is
// [context, continuation].
func (h *BatchHandler) Loglikelihood(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, llm.OpLoglikelihood, h.gen.Loglikelihood)
}

func (h *BatchHandler) serve(
	w http.ResponseWriter,
	r *http.Request,
	op llm.Operation,
	run func(context.Context, []*llm.Instance) error,
) {
	ctx := r.Context()
	logger := logging.L(ctx).With(zap.String("operation", string(op)))
	start := time.Now()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var body BatchRequest
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", err)
			return
		}
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_json", err)
		return
	}

	instances := make([]*llm.Instance, len(body.Requests))
	for i, item := range body.Requests {
		if err := checkArgs(op, item.Args); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("request %d: %w", i, err))
			return
		}
		instances[i] = &llm.Instance{Args: item.Args, Kwargs: item.Kwargs}
	}

	if err := run(ctx, instances); err != nil {
		status, code := statusFor(ctx, err)
		logger.Error("batch failed",
			zap.Int("requests", len(instances)),
			zap.Int("status", status),
			zap.Error(err),
		)
		writeError(w, status, code, err)
		return
	}

	resp := BatchResponse{Results: make([]any, len(instances))}
	for i, inst := range instances {
		resp.Results[i] = inst.Result
	}

	logger.Info("batch served",
		zap.Int("requests", len(instances)),
		zap.Duration("latency", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, resp)
}

func checkArgs(op llm.Operation, args []string) error {
	switch op {
	case llm.OpLoglikelihood:
		if len(args) != 2 {
			return fmt.Errorf("loglikelihood needs [context, continuation], got %d args", len(args))
		}
	default:
		if len(args) != 1 {
			return fmt.Errorf("generation needs [context], got %d args", len(args))
		}
	}
	return nil
}

func statusFor(ctx context.Context, err error) (int, string) {
	switch {
	case errors.Is(err, llm.ErrInvalidRequest), errors.Is(err, llm.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "gateway_timeout"
	case errors.Is(err, llm.ErrCorruptEntry), errors.Is(err, llm.ErrMissingResult):
		return http.StatusInternalServerError, "internal_error"
	default:
		return http.StatusBadGateway, "engine_error"
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
