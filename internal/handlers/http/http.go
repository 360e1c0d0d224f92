// Package http runs outbound HTTP requests as jobs.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"hostflow/internal/jobs"
)

const (
	JobType        = "http.request"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 1 << 10
)

type Request struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout" validate:"gte=0"` // seconds
}

type Handler struct {
	client    *http.Client
	logger    zerolog.Logger
	validator *validator.Validate
}

func New(client *http.Client, logger zerolog.Logger) *Handler {
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{client: client, logger: logger, validator: validator.New()}
}

func (h *Handler) Register(r *jobs.Registry) error {
	return jobs.RegisterTyped(r, JobType, h.Handle)
}

func (h *Handler) Handle(ctx context.Context, req Request) error {
	if err := h.validator.Struct(req); err != nil {
		return fmt.Errorf("invalid HTTP request payload: %w", err)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	timeout := defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	h.logger.Debug().Str("url", req.URL).Int("status", resp.StatusCode).Msg("http job done")
	return nil
}
