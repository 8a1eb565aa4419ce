package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotulo-studio/api/internal/domain"
)

const mercadoPagoName = "mercadopago"

// MercadoPagoLogger defines the logging contract for gateway operations.
type MercadoPagoLogger func(ctx context.Context, event string, fields map[string]any)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MercadoPagoConfig configures the MercadoPagoProvider.
type MercadoPagoConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	HTTPClient  httpDoer
	Logger      MercadoPagoLogger
}

// MercadoPagoProvider implements the Provider interface against the Mercado
// Pago payments REST API.
type MercadoPagoProvider struct {
	baseURL string
	token   string
	client  httpDoer
	logger  MercadoPagoLogger
}

// NewMercadoPagoProvider constructs a Mercado Pago Provider.
func NewMercadoPagoProvider(cfg MercadoPagoConfig) (*MercadoPagoProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("mercadopago: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("mercadopago: invalid base url: %w", err)
	}

	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("mercadopago: access token is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &MercadoPagoProvider{
		baseURL: baseURL,
		token:   token,
		client:  client,
		logger:  logger,
	}, nil
}

type mercadoPagoPayment struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount float64     `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
}

// LookupPayment fetches a payment by ID from the gateway.
func (p *MercadoPagoProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("mercadopago: provider is nil")
	}

	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return PaymentDetails{}, &GatewayError{
			Provider: mercadoPagoName,
			Kind:     ErrorKindInvalidResponse,
			Err:      errors.New("payment id is empty"),
		}
	}

	endpoint := fmt.Sprintf("%s/v1/payments/%s", p.baseURL, url.PathEscape(paymentID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("mercadopago: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return PaymentDetails{}, &GatewayError{Provider: mercadoPagoName, Kind: ErrorKindUnavailable, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PaymentDetails{}, &GatewayError{Provider: mercadoPagoName, Kind: ErrorKindUnavailable, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		p.logger(ctx, "mercadopago.lookup_failed", map[string]any{
			"payment_id": paymentID,
			"status":     resp.StatusCode,
		})
		return PaymentDetails{}, &GatewayError{
			Provider: mercadoPagoName,
			Kind:     classifyHTTPStatus(resp.StatusCode),
			Status:   resp.StatusCode,
		}
	}

	var payment mercadoPagoPayment
	if err := json.Unmarshal(body, &payment); err != nil {
		return PaymentDetails{}, &GatewayError{Provider: mercadoPagoName, Kind: ErrorKindInvalidResponse, Err: err}
	}

	raw := map[string]any{}
	_ = json.Unmarshal(body, &raw)

	return PaymentDetails{
		Provider:          mercadoPagoName,
		PaymentID:         payment.ID.String(),
		Status:            mapMercadoPagoStatus(payment.Status),
		StatusDetail:      payment.StatusDetail,
		ExternalReference: strings.TrimSpace(payment.ExternalReference),
		Amount:            amountToCents(payment.TransactionAmount),
		Currency:          strings.ToUpper(strings.TrimSpace(payment.CurrencyID)),
		Raw:               raw,
	}, nil
}

func classifyHTTPStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return ErrorKindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindUnauthorized
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case status >= 500:
		return ErrorKindUnavailable
	default:
		return ErrorKindInvalidResponse
	}
}

func mapMercadoPagoStatus(status string) domain.GatewayStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved":
		return domain.GatewayStatusApproved
	case "rejected":
		return domain.GatewayStatusRejected
	case "cancelled":
		return domain.GatewayStatusCancelled
	case "pending":
		return domain.GatewayStatusPending
	case "in_process":
		return domain.GatewayStatusInProcess
	case "in_mediation":
		return domain.GatewayStatusInMediation
	case "charged_back":
		return domain.GatewayStatusChargedBack
	case "refunded":
		return domain.GatewayStatusRefunded
	default:
		return domain.GatewayStatusUnknown
	}
}

// amountToCents converts a decimal gateway amount to integer cents, rounding
// half away from zero to match how the gateway reports totals.
func amountToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
