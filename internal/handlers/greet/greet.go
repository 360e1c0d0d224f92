// Package greet is the sample job: it logs a greeting and announces it on
// the event bus.
package greet

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"hostflow/internal/eventbus"
	"hostflow/internal/jobs"
)

const JobType = "Greet"

type Args struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
}

// Greeted is published after each greeting.
type Greeted struct {
	Name string `json:"name"`
}

func (Greeted) EventName() string { return "greet.greeted" }

type Handler struct {
	logger    zerolog.Logger
	bus       eventbus.Bus
	validator *validator.Validate
}

func New(logger zerolog.Logger, bus eventbus.Bus) *Handler {
	if bus == nil {
		bus = eventbus.NoOp()
	}
	return &Handler{logger: logger, bus: bus, validator: validator.New()}
}

func (h *Handler) Handle(ctx context.Context, args Args) error {
	if err := h.validator.Struct(args); err != nil {
		return fmt.Errorf("invalid greet args: %w", err)
	}
	h.logger.Info().Str("description", args.Description).Msg("hello " + args.Name)
	return h.bus.Publish(ctx, Greeted{Name: args.Name})
}

// Register binds h to JobType.
func (h *Handler) Register(r *jobs.Registry) error {
	return jobs.RegisterTyped(r, JobType, h.Handle)
}
