package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/service"
)

// WebhookHandler handles HTTP requests for webhook endpoints.
type WebhookHandler struct {
	webhookSvc *service.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(webhookSvc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc}
}

// upsertWebhookRequest is the JSON request body for POST /users/{user_id}/webhooks.
type upsertWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// webhookResponse is a single webhook in the response.
type webhookResponse struct {
	WebhookID string `json:"webhook_id"`
	UserID    string `json:"user_id"`
	Event     string `json:"event"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// webhookListResponse is the JSON response for POST and GET.
type webhookListResponse struct {
	Webhooks []webhookResponse `json:"webhooks"`
}

// Upsert handles POST /users/{user_id}/webhooks.
func (h *WebhookHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req upsertWebhookRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	webhooks, anyCreated, err := h.webhookSvc.Upsert(r.Context(), service.UpsertWebhookRequest{
		UserID: userParam(r),
		URL:    req.URL,
		Events: req.Events,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	status := http.StatusOK
	if anyCreated {
		status = http.StatusCreated
	}

	WriteJSON(w, status, webhookListResponse{
		Webhooks: buildWebhookResponses(webhooks),
	})
}

// List handles GET /users/{user_id}/webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	webhooks, err := h.webhookSvc.List(r.Context(), userParam(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, webhookListResponse{
		Webhooks: buildWebhookResponses(webhooks),
	})
}

// Delete handles DELETE /users/{user_id}/webhooks/{webhook_id}.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhook_id")

	if err := h.webhookSvc.Delete(userParam(r), webhookID); err != nil {
		WriteDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// buildWebhookResponses converts domain webhooks to response webhooks.
func buildWebhookResponses(webhooks []*domain.Webhook) []webhookResponse {
	result := make([]webhookResponse, len(webhooks))
	for i, wh := range webhooks {
		result[i] = webhookResponse{
			WebhookID: wh.WebhookID,
			UserID:    string(wh.UserID),
			Event:     wh.Event,
			URL:       wh.URL,
			CreatedAt: wh.CreatedAt.UTC().Format(timeFormat),
			UpdatedAt: wh.UpdatedAt.UTC().Format(timeFormat),
		}
	}
	return result
}
