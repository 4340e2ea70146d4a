package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type DeadLetterService interface {
	List(ctx context.Context, filter repository.DeadLetterFilter) ([]domain.DeadLetter, error)
	Get(ctx context.Context, messageID string) (*domain.DeadLetter, error)
	Replay(ctx context.Context, messageID string) (domain.NotificationEvent, error)
}

type DeadLetterHandler struct {
	service DeadLetterService
}

func NewDeadLetterHandler(service DeadLetterService) (*DeadLetterHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("dead-letter service is required")
	}
	return &DeadLetterHandler{service: service}, nil
}

func RegisterDeadLetterRoutes(router fiber.Router, service DeadLetterService) error {
	h, err := NewDeadLetterHandler(service)
	if err != nil {
		return err
	}

	router.Get("/dead-letters", h.ListDeadLetters)
	router.Get("/dead-letters/:messageId", h.GetDeadLetter)
	router.Post("/dead-letters/:messageId/replay", h.ReplayDeadLetter)

	return nil
}

type deadLetterResponse struct {
	MessageID   string                   `json:"messageId"`
	Type        string                   `json:"type"`
	ReceiverID  string                   `json:"receiverId"`
	RetryCount  int                      `json:"retryCount"`
	FinalError  string                   `json:"finalError"`
	DeadAt      time.Time                `json:"deadAt"`
	ArchivedAt  time.Time                `json:"archivedAt"`
	ReplayCount int                      `json:"replayCount"`
	ReplayedAt  *time.Time               `json:"replayedAt,omitempty"`
	Event       domain.NotificationEvent `json:"event"`
}

type listDeadLettersResponse struct {
	Data []deadLetterResponse `json:"data"`
	Meta listMeta             `json:"meta"`
}

type listMeta struct {
	Limit int `json:"limit"`
	Count int `json:"count"`
}

type replayResponse struct {
	MessageID  string `json:"messageId"`
	RetryCount int    `json:"retryCount"`
	ReplayBase int    `json:"replayBase"`
	Status     string `json:"status"`
}

func (h *DeadLetterHandler) ListDeadLetters(c *fiber.Ctx) error {
	filter, err := parseDeadLetterFilter(c)
	if err != nil {
		return toHTTPError(err)
	}

	entries, err := h.service.List(c.Context(), filter)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deadLetterResponse, 0, len(entries))
	for i := range entries {
		data = append(data, toDeadLetterResponse(&entries[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listDeadLettersResponse{
		Data: data,
		Meta: listMeta{
			Limit: filter.Limit,
			Count: len(data),
		},
	})
}

func (h *DeadLetterHandler) GetDeadLetter(c *fiber.Ctx) error {
	entry, err := h.service.Get(c.Context(), strings.TrimSpace(c.Params("messageId")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toDeadLetterResponse(entry))
}

func (h *DeadLetterHandler) ReplayDeadLetter(c *fiber.Ctx) error {
	event, err := h.service.Replay(c.Context(), strings.TrimSpace(c.Params("messageId")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(replayResponse{
		MessageID:  event.MessageID,
		RetryCount: event.RetryCount,
		ReplayBase: event.ReplayBase,
		Status:     "replayed",
	})
}

func parseDeadLetterFilter(c *fiber.Ctx) (repository.DeadLetterFilter, error) {
	filter := repository.DeadLetterFilter{
		ReceiverID: strings.TrimSpace(c.Query("receiverId")),
		Limit:      c.QueryInt("limit", defaultListLimit),
	}

	if filter.Limit < 1 || filter.Limit > maxListLimit {
		return repository.DeadLetterFilter{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxListLimit)
	}

	if rawType := strings.TrimSpace(c.Query("type")); rawType != "" {
		t, err := domain.ParseNotificationType(rawType)
		if err != nil {
			return repository.DeadLetterFilter{}, err
		}
		filter.Type = &t
	}

	return filter, nil
}

func toDeadLetterResponse(d *domain.DeadLetter) deadLetterResponse {
	if d == nil {
		return deadLetterResponse{}
	}

	return deadLetterResponse{
		MessageID:   d.MessageID,
		Type:        d.Type.String(),
		ReceiverID:  d.ReceiverID,
		RetryCount:  d.RetryCount,
		FinalError:  d.FinalError,
		DeadAt:      d.DeadAt,
		ArchivedAt:  d.ArchivedAt,
		ReplayCount: d.ReplayCount,
		ReplayedAt:  d.ReplayedAt,
		Event:       d.Event,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		return err
	}
}
