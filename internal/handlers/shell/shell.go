// Package shell runs local commands as jobs.
package shell

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"hostflow/internal/jobs"
)

const JobType = "shell.exec"

type Cmd struct {
	Command string   `json:"command" validate:"required"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
}

type Handler struct {
	logger    zerolog.Logger
	validator *validator.Validate
}

func New(logger zerolog.Logger) *Handler {
	return &Handler{logger: logger, validator: validator.New()}
}

func (h *Handler) Register(r *jobs.Registry) error {
	return jobs.RegisterTyped(r, JobType, h.Handle)
}

func (h *Handler) Handle(ctx context.Context, c Cmd) error {
	if err := h.validator.Struct(c); err != nil {
		return fmt.Errorf("invalid shell payload: %w", err)
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	h.logger.Debug().Str("command", c.Command).Int("output_bytes", len(out)).Msg("shell job done")
	return nil
}
