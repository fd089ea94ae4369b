package service

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/events"
	"github.com/efreitasn/tradecore/internal/metrics"
	"github.com/efreitasn/tradecore/internal/store"
)

// webhookQueueSize bounds the deliveries waiting for the worker.
const webhookQueueSize = 1024

// UpsertWebhookRequest represents the input for webhook registration.
type UpsertWebhookRequest struct {
	UserID domain.UserID
	URL    string
	Events []string
}

type delivery struct {
	webhook *domain.Webhook
	event   domain.Event
}

// WebhookService handles webhook CRUD and delivers user events to the
// subscribed URLs. Deliveries go out one at a time in publish order.
type WebhookService struct {
	store  *store.WebhookStore
	users  store.Store
	client *http.Client
	queue  chan delivery
	logger *slog.Logger
}

// NewWebhookService creates a new WebhookService with the given dependencies.
func NewWebhookService(
	webhookStore *store.WebhookStore,
	users store.Store,
	webhookTimeout time.Duration,
	logger *slog.Logger,
) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		store: webhookStore,
		users: users,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
		queue:  make(chan delivery, webhookQueueSize),
		logger: logger,
	}
}

// Upsert validates the request and creates or updates webhook subscriptions.
// Returns the resulting webhooks, whether any new subscriptions were created, and any error.
func (s *WebhookService) Upsert(ctx context.Context, req UpsertWebhookRequest) ([]*domain.Webhook, bool, error) {
	if _, err := s.users.GetUser(ctx, req.UserID); err != nil {
		return nil, false, err
	}

	if req.URL == "" {
		return nil, false, &domain.ValidationError{Message: "url is required"}
	}
	if len(req.URL) > 2048 {
		return nil, false, &domain.ValidationError{Message: "url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || !parsed.IsAbs() {
		return nil, false, &domain.ValidationError{Message: "url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" {
		return nil, false, &domain.ValidationError{Message: "url must use https scheme"}
	}

	if len(req.Events) == 0 {
		return nil, false, &domain.ValidationError{Message: "events must be a non-empty array"}
	}

	// Deduplicate while preserving order.
	seen := make(map[string]bool, len(req.Events))
	deduped := make([]string, 0, len(req.Events))
	for _, event := range req.Events {
		if !domain.ValidEventType(event) {
			return nil, false, &domain.ValidationError{
				Message: "Unknown event type: " + event + ". Must be one of: " + strings.Join(domain.EventTypes, ", "),
			}
		}
		if !seen[event] {
			seen[event] = true
			deduped = append(deduped, event)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	anyCreated := false
	webhooks := make([]*domain.Webhook, 0, len(deduped))

	for _, event := range deduped {
		w, created := s.store.Upsert(&domain.Webhook{
			WebhookID: uuid.New().String(),
			UserID:    req.UserID,
			Event:     event,
			URL:       req.URL,
			CreatedAt: now,
			UpdatedAt: now,
		})
		anyCreated = anyCreated || created
		webhooks = append(webhooks, w)
	}

	return webhooks, anyCreated, nil
}

// List validates the user exists and returns all of their subscriptions.
func (s *WebhookService) List(ctx context.Context, user domain.UserID) ([]*domain.Webhook, error) {
	if _, err := s.users.GetUser(ctx, user); err != nil {
		return nil, err
	}
	return s.store.ListByUser(user), nil
}

// Delete removes one of the user's subscriptions.
func (s *WebhookService) Delete(user domain.UserID, webhookID string) error {
	return s.store.Delete(user, webhookID)
}

// Publish queues ev for the user's subscription to its type, if any. It
// never blocks: when the queue is full the delivery is dropped.
func (s *WebhookService) Publish(ev domain.Event) {
	wh := s.store.Lookup(ev.UserID, ev.Type)
	if wh == nil {
		return
	}
	select {
	case s.queue <- delivery{webhook: wh, event: ev}:
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn("webhook queue full, dropping delivery",
			"webhook_id", wh.WebhookID, "event", ev.Type, "user_id", ev.UserID)
	}
}

// Run delivers queued events until ctx is cancelled.
func (s *WebhookService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-s.queue:
			s.deliver(ctx, d)
		}
	}
}

// deliver sends the event via HTTP POST with the delivery headers.
// Failures are counted and logged but never retried.
func (s *WebhookService) deliver(ctx context.Context, d delivery) {
	body, err := json.Marshal(events.NewEnvelope(d.event))
	if err != nil {
		s.logger.Error("webhook marshal failed", "event", d.event.Type, "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhook.URL, bytes.NewReader(body))
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", uuid.New().String())
	req.Header.Set("X-Webhook-Id", d.webhook.WebhookID)
	req.Header.Set("X-Event-Type", d.event.Type)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed", "webhook_id", d.webhook.WebhookID, "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warn("webhook rejected", "webhook_id", d.webhook.WebhookID, "status", resp.StatusCode)
		metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
}
