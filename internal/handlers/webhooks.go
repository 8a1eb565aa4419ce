package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rotulo-studio/api/internal/platform/auth"
	"github.com/rotulo-studio/api/internal/platform/httpx"
	"github.com/rotulo-studio/api/internal/platform/observability"
	"github.com/rotulo-studio/api/internal/services"
)

const (
	maxWebhookBodySize = 64 * 1024

	topicPayment = "payment"
)

// webhookNotification is the gateway callback body. Mercado Pago sends
// either type or topic depending on the notification channel.
type webhookNotification struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// WebhookHandlers acknowledges gateway notifications. Every request that
// clears signature verification is answered 200 with a status token; a
// non-200 would make the provider retry work that already has a definite
// outcome.
type WebhookHandlers struct {
	reconciler  services.ReconciliationService
	validator   *auth.SignatureValidator
	providers   []string
	environment string
}

// NewWebhookHandlers constructs webhook handlers for the given providers.
func NewWebhookHandlers(reconciler services.ReconciliationService, validator *auth.SignatureValidator, providers []string, environment string) *WebhookHandlers {
	return &WebhookHandlers{
		reconciler:  reconciler,
		validator:   validator,
		providers:   providers,
		environment: environment,
	}
}

// Routes registers one signed endpoint per configured provider, plus an
// unsigned simulation endpoint outside production.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	for _, provider := range h.providers {
		provider := provider
		r.Route("/"+provider, func(group chi.Router) {
			group.Group(func(signed chi.Router) {
				if h.validator != nil {
					signed.Use(h.validator.RequireSignature(provider))
				}
				signed.Post("/", h.receive(provider))
			})
			if h.environment != "production" {
				group.Post("/simulate", h.receive(provider))
			}
		})
	}
}

func (h *WebhookHandlers) receive(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.reconciler == nil {
			httpx.WriteError(ctx, w, httpx.NewError("reconciler_unavailable", "reconciliation service unavailable", http.StatusServiceUnavailable))
			return
		}

		notification := parseNotification(r)
		if !isPaymentNotification(notification) {
			// Merchant orders, plans, and other topics are acknowledged
			// untouched so the provider stops redelivering them.
			observability.RecordOutcome(ctx, string(services.OutcomeIgnored))
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": services.OutcomeIgnored})
			return
		}

		requestID := strings.TrimSpace(r.Header.Get("x-request-id"))
		if meta, ok := auth.SignatureMetadataFromContext(ctx); ok && meta != nil {
			if requestID == "" {
				requestID = meta.RequestID
			}
			if notification.Data.ID == "" {
				notification.Data.ID = meta.DataID
			}
		}

		result, _ := h.reconciler.ReconcilePayment(ctx, services.ReconcileCommand{
			Provider:  provider,
			PaymentID: notification.Data.ID,
			RequestID: requestID,
		})

		// The token carries the business outcome; the transport always acks.
		observability.RecordOutcome(ctx, string(result.Outcome))
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": result.Outcome})
	}
}

// parseNotification reads the identifiers from the JSON body and falls back
// to the query parameters Mercado Pago uses for IPN-style callbacks.
func parseNotification(r *http.Request) webhookNotification {
	var notification webhookNotification

	if r.Body != nil {
		decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxWebhookBodySize))
		_ = decoder.Decode(&notification)
	}

	query := r.URL.Query()
	if notification.Type == "" {
		notification.Type = strings.TrimSpace(query.Get("type"))
	}
	if notification.Topic == "" {
		notification.Topic = strings.TrimSpace(query.Get("topic"))
	}
	if notification.Data.ID == "" {
		notification.Data.ID = strings.TrimSpace(query.Get("data.id"))
	}
	if notification.Data.ID == "" {
		notification.Data.ID = strings.TrimSpace(query.Get("id"))
	}
	return notification
}

func isPaymentNotification(n webhookNotification) bool {
	if strings.EqualFold(n.Type, topicPayment) {
		return true
	}
	return strings.EqualFold(n.Topic, topicPayment)
}
