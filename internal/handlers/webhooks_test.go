package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rotulo-studio/api/internal/platform/auth"
	"github.com/rotulo-studio/api/internal/services"
)

type stubReconciler struct {
	result  services.ReconcileResult
	err     error
	lastCmd services.ReconcileCommand
	calls   int
}

func (s *stubReconciler) ReconcilePayment(_ context.Context, cmd services.ReconcileCommand) (services.ReconcileResult, error) {
	s.calls++
	s.lastCmd = cmd
	return s.result, s.err
}

func webhookRouter(t *testing.T, reconciler services.ReconciliationService, validator *auth.SignatureValidator, environment string) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	handlers := NewWebhookHandlers(reconciler, validator, []string{"mercadopago"}, environment)
	r.Route("/webhooks", handlers.Routes)
	return r
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload.Status
}

func TestWebhook_AcksWithOutcomeToken(t *testing.T) {
	cases := []struct {
		name   string
		result services.ReconcileResult
		err    error
	}{
		{"applied", services.ReconcileResult{Outcome: services.OutcomeOK}, nil},
		{"duplicate", services.ReconcileResult{Outcome: services.OutcomeAlreadyProcessed}, nil},
		{"order missing", services.ReconcileResult{Outcome: services.OutcomeOrderNotFound}, nil},
		{"ignored", services.ReconcileResult{Outcome: services.OutcomeIgnored}, nil},
		{"failed", services.ReconcileResult{Outcome: services.OutcomeUpdateError}, errors.New("gateway down")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reconciler := &stubReconciler{result: tc.result, err: tc.err}
			router := webhookRouter(t, reconciler, nil, "test")

			body := strings.NewReader(`{"type":"payment","data":{"id":"pay_1"}}`)
			req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago", body)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 regardless of outcome", rec.Code)
			}
			if got := decodeStatus(t, rec); got != string(tc.result.Outcome) {
				t.Errorf("token = %q, want %q", got, tc.result.Outcome)
			}
		})
	}
}

func TestWebhook_ReadsQueryParameters(t *testing.T) {
	reconciler := &stubReconciler{result: services.ReconcileResult{Outcome: services.OutcomeOK}}
	router := webhookRouter(t, reconciler, nil, "test")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago?topic=payment&data.id=pay_77", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if reconciler.lastCmd.PaymentID != "pay_77" {
		t.Errorf("payment id = %q, want pay_77", reconciler.lastCmd.PaymentID)
	}
	if reconciler.lastCmd.Provider != "mercadopago" {
		t.Errorf("provider = %q, want mercadopago", reconciler.lastCmd.Provider)
	}
}

func TestWebhook_NonPaymentTopicIgnoredWithoutLookup(t *testing.T) {
	reconciler := &stubReconciler{result: services.ReconcileResult{Outcome: services.OutcomeOK}}
	router := webhookRouter(t, reconciler, nil, "test")

	body := strings.NewReader(`{"topic":"merchant_order","data":{"id":"123"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeStatus(t, rec); got != string(services.OutcomeIgnored) {
		t.Errorf("token = %q, want IGNORED", got)
	}
	if reconciler.calls != 0 {
		t.Error("non-payment topics must not reach the reconciler")
	}
}

func TestWebhook_SignatureRejectionIs401(t *testing.T) {
	validator, err := auth.NewSignatureValidator(auth.StaticSecrets{"mercadopago": "super-secret"}, "test")
	if err != nil {
		t.Fatalf("NewSignatureValidator: %v", err)
	}
	reconciler := &stubReconciler{result: services.ReconcileResult{Outcome: services.OutcomeOK}}
	router := webhookRouter(t, reconciler, validator, "test")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago?data.id=pay_1&type=payment", nil)
	req.Header.Set("x-signature", "ts=1,v1=deadbeef")
	req.Header.Set("x-request-id", "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for bad signatures", rec.Code)
	}
	if reconciler.calls != 0 {
		t.Error("rejected requests must not reach the reconciler")
	}
}

func TestWebhook_SignedRequestPasses(t *testing.T) {
	secret := "super-secret"
	validator, err := auth.NewSignatureValidator(auth.StaticSecrets{"mercadopago": secret}, "test")
	if err != nil {
		t.Fatalf("NewSignatureValidator: %v", err)
	}
	reconciler := &stubReconciler{result: services.ReconcileResult{Outcome: services.OutcomeOK}}
	router := webhookRouter(t, reconciler, validator, "test")

	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago?data.id=PAY_9&type=payment", nil)
	req.Header.Set("x-request-id", "req-9")
	signature := auth.SignPayload(secret, "PAY_9", "req-9", ts)
	req.Header.Set("x-signature", signature)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if reconciler.lastCmd.PaymentID != "PAY_9" {
		t.Errorf("payment id = %q, want PAY_9", reconciler.lastCmd.PaymentID)
	}
	if reconciler.lastCmd.RequestID != "req-9" {
		t.Errorf("request id = %q, want req-9", reconciler.lastCmd.RequestID)
	}
}

func TestWebhook_SimulationRouteOnlyOutsideProduction(t *testing.T) {
	validator, err := auth.NewSignatureValidator(auth.StaticSecrets{"mercadopago": "super-secret"}, "test")
	if err != nil {
		t.Fatalf("NewSignatureValidator: %v", err)
	}

	reconciler := &stubReconciler{result: services.ReconcileResult{Outcome: services.OutcomeOK}}
	staging := webhookRouter(t, reconciler, validator, "staging")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago/simulate?data.id=pay_1&type=payment", nil)
	rec := httptest.NewRecorder()
	staging.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("staging simulate status = %d, want 200 without a signature", rec.Code)
	}

	production := webhookRouter(t, reconciler, validator, "production")
	req = httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago/simulate?data.id=pay_1&type=payment", nil)
	rec = httptest.NewRecorder()
	production.ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatalf("production simulate status = %d, route must not exist", rec.Code)
	}
}

func TestWebhook_UnknownProviderNotRouted(t *testing.T) {
	reconciler := &stubReconciler{}
	router := webhookRouter(t, reconciler, nil, "test")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/giropay?data.id=pay_1&type=payment", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatalf("status = %d, unconfigured providers must not be acknowledged", rec.Code)
	}
	if reconciler.calls != 0 {
		t.Error("unconfigured providers must not reach the reconciler")
	}
}
