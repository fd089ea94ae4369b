package store

import (
	"sort"
	"sync"

	"github.com/efreitasn/tradecore/internal/domain"
)

// WebhookStore is a thread-safe in-memory store for event subscriptions.
// Subscriptions are delivery configuration rather than trading state, so
// they stay in process whatever the trading backend is.
type WebhookStore struct {
	mu       sync.RWMutex
	webhooks map[string]*domain.Webhook                  // webhook_id → webhook
	byUser   map[domain.UserID]map[string]*domain.Webhook // user → event → webhook
}

// NewWebhookStore creates an empty WebhookStore.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		webhooks: make(map[string]*domain.Webhook),
		byUser:   make(map[domain.UserID]map[string]*domain.Webhook),
	}
}

// Upsert inserts or updates the subscription keyed by (user, event). An
// existing subscription keeps its id and only takes the new URL. It
// returns a copy of the stored subscription and whether it was created.
func (s *WebhookStore) Upsert(w *domain.Webhook) (*domain.Webhook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byUser[w.UserID][w.Event]; ok {
		if existing.URL != w.URL {
			existing.URL = w.URL
			existing.UpdatedAt = w.UpdatedAt
		}
		c := *existing
		return &c, false
	}

	stored := *w
	s.webhooks[w.WebhookID] = &stored
	if s.byUser[w.UserID] == nil {
		s.byUser[w.UserID] = make(map[string]*domain.Webhook)
	}
	s.byUser[w.UserID][w.Event] = &stored

	c := stored
	return &c, true
}

// Get returns domain.ErrWebhookNotFound if the webhook does not exist.
func (s *WebhookStore) Get(id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	c := *w
	return &c, nil
}

// ListByUser returns the user's subscriptions ordered by event type.
func (s *WebhookStore) ListByUser(user domain.UserID) []*domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byUser[user]
	result := make([]*domain.Webhook, 0, len(events))
	for _, w := range events {
		c := *w
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Event < result[j].Event })
	return result
}

// Delete removes a webhook owned by user. A webhook owned by someone else
// is reported as not found.
func (s *WebhookStore) Delete(user domain.UserID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok || w.UserID != user {
		return domain.ErrWebhookNotFound
	}

	delete(s.webhooks, id)
	if events, ok := s.byUser[w.UserID]; ok {
		delete(events, w.Event)
		if len(events) == 0 {
			delete(s.byUser, w.UserID)
		}
	}
	return nil
}

// Lookup returns the subscription for a user and event, or nil.
func (s *WebhookStore) Lookup(user domain.UserID, event string) *domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := s.byUser[user][event]
	if w == nil {
		return nil
	}
	c := *w
	return &c
}
