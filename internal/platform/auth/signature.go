package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "x-signature"
	defaultRequestIDHeader = "x-request-id"
	defaultDataIDParam     = "data.id"

	defaultSignatureTolerance = 300 * time.Second
)

// Logger abstracts diagnostic output for verification failures.
type Logger interface {
	Printf(format string, v ...interface{})
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f == nil {
		return
	}
	f(ctx, kind, success, reason, duration)
}

// SecretProvider resolves per-provider shared secrets used for signature validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, provider string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, provider string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, provider)
}

// StaticSecrets serves secrets from an in-memory map, keyed by provider name.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, provider string) (string, error) {
	secret, ok := s[provider]
	if !ok || strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("auth: no secret configured for provider %q", provider)
	}
	return secret, nil
}

// SignatureValidator verifies signed gateway notifications before they reach handlers.
//
// The expected scheme is an x-signature header of the form "ts=<unix_seconds>,v1=<hex_hmac>"
// where the HMAC-SHA256 manifest is "id:<data_id>;request-id:<request_id>;ts:<ts>;".
type SignatureValidator struct {
	provider SecretProvider

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	requestIDHeader string
	dataIDParam     string

	tolerance time.Duration
	bypass    bool

	secretCache sync.Map
}

// SignatureOption customises the validator.
type SignatureOption func(*SignatureValidator)

// NewSignatureValidator builds a validator over the given secret provider.
// Environment gates the bypass switch: a validator configured to skip
// verification refuses to start in production.
func NewSignatureValidator(provider SecretProvider, environment string, opts ...SignatureOption) (*SignatureValidator, error) {
	validator := &SignatureValidator{
		provider:        provider,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		requestIDHeader: defaultRequestIDHeader,
		dataIDParam:     defaultDataIDParam,
		tolerance:       defaultSignatureTolerance,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	if validator.bypass && strings.EqualFold(strings.TrimSpace(environment), "production") {
		return nil, errors.New("auth: signature bypass is not permitted in production")
	}

	return validator, nil
}

// WithSignatureLogger overrides the validator logger.
func WithSignatureLogger(logger Logger) SignatureOption {
	return func(v *SignatureValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithSignatureMetrics sets the metrics recorder.
func WithSignatureMetrics(metrics MetricsRecorder) SignatureOption {
	return func(v *SignatureValidator) {
		v.metrics = metrics
	}
}

// WithSignatureClock injects a custom clock, primarily for tests.
func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(v *SignatureValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithSignatureTolerance adjusts the accepted timestamp age.
func WithSignatureTolerance(d time.Duration) SignatureOption {
	return func(v *SignatureValidator) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// WithSignatureBypass disables verification entirely. Intended for local
// development and the simulation endpoint; refused in production.
func WithSignatureBypass(enabled bool) SignatureOption {
	return func(v *SignatureValidator) {
		v.bypass = enabled
	}
}

// SignatureMetadata describes the verified notification for downstream handlers.
type SignatureMetadata struct {
	Provider  string
	DataID    string
	RequestID string
	Timestamp time.Time
	Bypassed  bool
}

type signatureContextKey struct{}

// WithSignatureMetadata stores the metadata on the context.
func WithSignatureMetadata(ctx context.Context, meta *SignatureMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, signatureContextKey{}, meta)
}

// SignatureMetadataFromContext retrieves metadata from the context.
func SignatureMetadataFromContext(ctx context.Context) (*SignatureMetadata, bool) {
	meta, ok := ctx.Value(signatureContextKey{}).(*SignatureMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// RequireSignature enforces a valid gateway signature for the named provider.
func (v *SignatureValidator) RequireSignature(provider string) func(http.Handler) http.Handler {
	scopedProvider := strings.TrimSpace(provider)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			dataID := strings.TrimSpace(r.URL.Query().Get(v.dataIDParam))
			requestID := strings.TrimSpace(r.Header.Get(v.requestIDHeader))

			if v.bypass {
				meta := &SignatureMetadata{
					Provider:  scopedProvider,
					DataID:    dataID,
					RequestID: requestID,
					Timestamp: start,
					Bypassed:  true,
				}
				v.record(ctx, true, "bypassed", start)
				next.ServeHTTP(w, r.WithContext(WithSignatureMetadata(ctx, meta)))
				return
			}

			if scopedProvider == "" {
				v.record(ctx, false, "provider_unknown", start)
				respondAuthError(w, http.StatusUnauthorized, "unknown_provider", "webhook provider not recognised")
				return
			}

			secret, err := v.loadSecret(ctx, scopedProvider)
			if err != nil {
				if v.logger != nil {
					v.logger.Printf("auth: signature secret lookup failed: %v", err)
				}
				v.record(ctx, false, "secret_unavailable", start)
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "signature secret unavailable")
				return
			}

			signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			if signatureValue == "" {
				v.record(ctx, false, "signature_missing", start)
				respondAuthError(w, http.StatusUnauthorized, "signature_missing", "signature header missing")
				return
			}

			parsed, err := ParseSignatureHeader(signatureValue)
			if err != nil {
				v.record(ctx, false, "signature_malformed", start)
				respondAuthError(w, http.StatusUnauthorized, "signature_malformed", "signature header malformed")
				return
			}

			timestamp := time.Unix(parsed.Timestamp, 0).UTC()
			if age := v.now().Sub(timestamp); age > v.tolerance || age < -v.tolerance {
				v.record(ctx, false, "timestamp_stale", start)
				respondAuthError(w, http.StatusUnauthorized, "timestamp_stale", "signature timestamp outside allowed window")
				return
			}

			manifest := BuildSignatureManifest(dataID, requestID, parsed.Timestamp)
			expected := computeHMAC(secret, []byte(manifest))
			if !hmac.Equal(parsed.Signature, expected) {
				v.record(ctx, false, "signature_mismatch", start)
				respondAuthError(w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			meta := &SignatureMetadata{
				Provider:  scopedProvider,
				DataID:    dataID,
				RequestID: requestID,
				Timestamp: timestamp,
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithSignatureMetadata(ctx, meta)))
		})
	}
}

// ParsedSignature holds the decoded components of an x-signature header.
type ParsedSignature struct {
	Timestamp int64
	Signature []byte
}

// ParseSignatureHeader splits "ts=<unix_seconds>,v1=<hex_hmac>" into its parts.
// Unknown keys are ignored; both ts and v1 must be present exactly once.
func ParseSignatureHeader(value string) (ParsedSignature, error) {
	var (
		parsed  ParsedSignature
		sawTS   bool
		sawHMAC bool
	)

	for _, part := range strings.Split(value, ",") {
		key, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return ParsedSignature{}, fmt.Errorf("auth: malformed signature segment %q", part)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "ts":
			if sawTS {
				return ParsedSignature{}, errors.New("auth: duplicate ts in signature")
			}
			ts, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return ParsedSignature{}, fmt.Errorf("auth: invalid signature timestamp %q", val)
			}
			parsed.Timestamp = ts
			sawTS = true
		case "v1":
			if sawHMAC {
				return ParsedSignature{}, errors.New("auth: duplicate v1 in signature")
			}
			decoded, err := hex.DecodeString(val)
			if err != nil || len(decoded) == 0 {
				return ParsedSignature{}, errors.New("auth: signature must be hex encoded")
			}
			parsed.Signature = decoded
			sawHMAC = true
		}
	}

	if !sawTS {
		return ParsedSignature{}, errors.New("auth: signature missing ts")
	}
	if !sawHMAC {
		return ParsedSignature{}, errors.New("auth: signature missing v1")
	}
	return parsed, nil
}

// BuildSignatureManifest assembles the canonical string covered by the HMAC.
// Empty fields keep their key so both sides agree on the manifest shape.
func BuildSignatureManifest(dataID, requestID string, ts int64) string {
	return fmt.Sprintf("id:%s;request-id:%s;ts:%d;", strings.ToLower(dataID), requestID, ts)
}

// SignPayload computes the x-signature header value for the given manifest
// inputs. Exposed for the simulation endpoint and tests.
func SignPayload(secret, dataID, requestID string, ts int64) string {
	manifest := BuildSignatureManifest(dataID, requestID, ts)
	mac := computeHMAC([]byte(secret), []byte(manifest))
	return fmt.Sprintf("ts=%d,v1=%s", ts, hex.EncodeToString(mac))
}

func (v *SignatureValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	duration := v.now().Sub(start)
	v.metrics.RecordVerification(ctx, "webhook_signature", success, reason, duration)
}

func (v *SignatureValidator) loadSecret(ctx context.Context, provider string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(provider); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, provider)
	if err != nil {
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(provider, secret)
	return secret, nil
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
