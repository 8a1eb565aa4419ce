package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotulo-studio/api/internal/domain"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrorKind classifies gateway failures so callers can decide between
// retrying and giving up.
type ErrorKind string

const (
	// ErrorKindNotFound means the gateway does not know the payment ID.
	ErrorKindNotFound ErrorKind = "not_found"
	// ErrorKindUnauthorized means the credentials were rejected.
	ErrorKindUnauthorized ErrorKind = "unauthorized"
	// ErrorKindRateLimited means the gateway throttled the request.
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindUnavailable means the gateway failed transiently.
	ErrorKindUnavailable ErrorKind = "unavailable"
	// ErrorKindInvalidResponse means the gateway answered with an unparseable payload.
	ErrorKindInvalidResponse ErrorKind = "invalid_response"
)

// GatewayError describes a failed gateway call.
type GatewayError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payments: %s %s (http %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("payments: %s %s (http %d)", e.Provider, e.Kind, e.Status)
}

// Unwrap exposes the underlying error.
func (e *GatewayError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a gateway not-found failure.
func IsNotFound(err error) bool {
	var gatewayErr *GatewayError
	return errors.As(err, &gatewayErr) && gatewayErr.Kind == ErrorKindNotFound
}

// IsRetryable reports whether the failure is worth retrying on a later delivery.
func IsRetryable(err error) bool {
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) {
		return false
	}
	return gatewayErr.Kind == ErrorKindRateLimited || gatewayErr.Kind == ErrorKindUnavailable
}

// LookupRequest identifies the payment to fetch from the gateway.
type LookupRequest struct {
	PaymentID string
}

// PaymentDetails normalises gateway specific fields for reconciliation.
type PaymentDetails struct {
	Provider          string
	PaymentID         string
	Status            domain.GatewayStatus
	StatusDetail      string
	ExternalReference string
	Amount            int64
	Currency          string
	Raw               map[string]any
}

// Provider defines the contract for payment gateway adapters.
type Provider interface {
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection by name.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when no name is given.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.TrimSpace(strings.ToLower(provider))
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["mercadopago"]; ok {
		m.defaultProvider = "mercadopago"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Providers lists the registered provider names.
func (m *Manager) Providers() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Resolve returns the provider registered under the given name, falling back
// to the default when the name is empty.
func (m *Manager) Resolve(name string) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	key := strings.TrimSpace(strings.ToLower(name))
	if key == "" {
		key = m.defaultProvider
	}
	if provider, ok := m.providers[key]; ok {
		return provider, nil
	}
	if key == "" && len(m.providers) == 1 {
		for _, provider := range m.providers {
			return provider, nil
		}
	}
	return nil, ErrUnsupportedProvider
}

// LookupPayment delegates to the named provider.
func (m *Manager) LookupPayment(ctx context.Context, providerName string, req LookupRequest) (PaymentDetails, error) {
	provider, err := m.Resolve(providerName)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}
