package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func (m *recordingMetrics) last(t *testing.T) verificationRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatalf("expected at least one verification record")
	}
	return m.records[len(m.records)-1]
}

func newTestValidator(t *testing.T, now time.Time, metrics *recordingMetrics, opts ...SignatureOption) *SignatureValidator {
	t.Helper()

	base := []SignatureOption{
		WithSignatureLogger(noopLogger{}),
		WithSignatureClock(func() time.Time { return now }),
	}
	if metrics != nil {
		base = append(base, WithSignatureMetrics(metrics))
	}
	base = append(base, opts...)

	validator, err := NewSignatureValidator(StaticSecrets{"mercadopago": "super-secret"}, "test", base...)
	if err != nil {
		t.Fatalf("NewSignatureValidator: %v", err)
	}
	return validator
}

func signedRequest(secret, dataID, requestID string, ts int64) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago?data.id="+dataID, strings.NewReader(`{}`))
	req.Header.Set(defaultRequestIDHeader, requestID)
	req.Header.Set(defaultSignatureHeader, SignPayload(secret, dataID, requestID, ts))
	return req
}

func TestRequireSignature_Success(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	metrics := &recordingMetrics{}
	validator := newTestValidator(t, now, metrics)

	req := signedRequest("super-secret", "123456789", "req-abc", now.Unix())
	rr := httptest.NewRecorder()

	validator.RequireSignature("mercadopago")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := SignatureMetadataFromContext(r.Context())
		if !ok {
			t.Fatalf("expected signature metadata in context")
		}
		if meta.DataID != "123456789" || meta.RequestID != "req-abc" {
			t.Fatalf("unexpected metadata %+v", meta)
		}
		if meta.Bypassed {
			t.Fatalf("metadata should not be marked bypassed")
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rec := metrics.last(t); !rec.success || rec.reason != "ok" {
		t.Fatalf("expected success metric, got %+v", rec)
	}
}

func TestRequireSignature_Freshness(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	cases := []struct {
		name string
		age  time.Duration
		want int
	}{
		{name: "just inside window", age: 299 * time.Second, want: http.StatusOK},
		{name: "exactly at window", age: 300 * time.Second, want: http.StatusOK},
		{name: "just outside window", age: 301 * time.Second, want: http.StatusUnauthorized},
		{name: "future beyond window", age: -301 * time.Second, want: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			validator := newTestValidator(t, now, nil)
			req := signedRequest("super-secret", "42", "req-1", now.Add(-tc.age).Unix())
			rr := httptest.NewRecorder()

			validator.RequireSignature("mercadopago")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestRequireSignature_Rejections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	tamper := func(mutate func(*http.Request)) *http.Request {
		req := signedRequest("super-secret", "42", "req-1", now.Unix())
		mutate(req)
		return req
	}

	cases := []struct {
		name   string
		req    *http.Request
		reason string
	}{
		{
			name:   "missing header",
			req:    tamper(func(r *http.Request) { r.Header.Del(defaultSignatureHeader) }),
			reason: "signature_missing",
		},
		{
			name:   "malformed header",
			req:    tamper(func(r *http.Request) { r.Header.Set(defaultSignatureHeader, "not-a-signature") }),
			reason: "signature_malformed",
		},
		{
			name:   "missing v1 component",
			req:    tamper(func(r *http.Request) { r.Header.Set(defaultSignatureHeader, "ts=123") }),
			reason: "signature_malformed",
		},
		{
			name: "wrong secret",
			req: func() *http.Request {
				return signedRequest("wrong-secret", "42", "req-1", now.Unix())
			}(),
			reason: "signature_mismatch",
		},
		{
			name:   "tampered data id",
			req:    tamper(func(r *http.Request) { r.URL.RawQuery = "data.id=999" }),
			reason: "signature_mismatch",
		},
		{
			name:   "tampered request id",
			req:    tamper(func(r *http.Request) { r.Header.Set(defaultRequestIDHeader, "req-2") }),
			reason: "signature_mismatch",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			validator := newTestValidator(t, now, metrics)
			rr := httptest.NewRecorder()

			validator.RequireSignature("mercadopago")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("handler should not run")
			})).ServeHTTP(rr, tc.req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401, got %d", rr.Code)
			}
			if rec := metrics.last(t); rec.success || rec.reason != tc.reason {
				t.Fatalf("expected reason %q, got %+v", tc.reason, rec)
			}
		})
	}
}

func TestRequireSignature_UnknownProvider(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validator := newTestValidator(t, now, nil)

	req := signedRequest("super-secret", "42", "req-1", now.Unix())
	rr := httptest.NewRecorder()

	validator.RequireSignature("paypal")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 for missing secret, got %d", rr.Code)
	}
}

func TestRequireSignature_Bypass(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validator := newTestValidator(t, now, nil, WithSignatureBypass(true))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago?data.id=42", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()

	validator.RequireSignature("mercadopago")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := SignatureMetadataFromContext(r.Context())
		if !ok || !meta.Bypassed {
			t.Fatalf("expected bypassed metadata, got %+v", meta)
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestNewSignatureValidator_BypassRefusedInProduction(t *testing.T) {
	_, err := NewSignatureValidator(StaticSecrets{}, "production", WithSignatureBypass(true))
	if err == nil {
		t.Fatalf("expected bypass to be refused in production")
	}
}

func TestParseSignatureHeader(t *testing.T) {
	parsed, err := ParseSignatureHeader("ts=1700000000,v1=deadbeef")
	if err != nil {
		t.Fatalf("ParseSignatureHeader: %v", err)
	}
	if parsed.Timestamp != 1700000000 {
		t.Fatalf("unexpected timestamp %d", parsed.Timestamp)
	}
	if len(parsed.Signature) != 4 {
		t.Fatalf("unexpected signature length %d", len(parsed.Signature))
	}

	if _, err := ParseSignatureHeader("ts=abc,v1=deadbeef"); err == nil {
		t.Fatalf("expected error for non-numeric timestamp")
	}
	if _, err := ParseSignatureHeader("ts=1,ts=2,v1=deadbeef"); err == nil {
		t.Fatalf("expected error for duplicate ts")
	}
	if _, err := ParseSignatureHeader("v1=zzzz,ts=1"); err == nil {
		t.Fatalf("expected error for non-hex signature")
	}
}

func TestBuildSignatureManifest_LowercasesDataID(t *testing.T) {
	got := BuildSignatureManifest("ABC123", "req-1", 99)
	want := "id:abc123;request-id:req-1;ts:99;"
	if got != want {
		t.Fatalf("manifest mismatch: got %q want %q", got, want)
	}
}
