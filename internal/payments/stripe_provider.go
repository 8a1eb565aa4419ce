package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/rotulo-studio/api/internal/domain"
)

const stripeName = "stripe"

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeConfig configures the StripeProvider.
type StripeConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Intents  stripePaymentIntentAPI
}

// StripeProvider implements the Provider interface using the Stripe Payment
// Intents API. Orders paid by international customers settle through Stripe
// instead of Mercado Pago and carry the order reference in intent metadata.
type StripeProvider struct {
	intents stripePaymentIntentAPI
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.Intents != nil {
		return &StripeProvider{intents: cfg.Intents}, nil
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("stripe: api key is required")
	}
	sc := client.New(apiKey, cfg.Backends)
	return &StripeProvider{intents: sc.PaymentIntents}, nil
}

// LookupPayment retrieves a Stripe Payment Intent and normalises it.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	// Without the expand the API returns latest_charge as a bare id and the
	// refund and dispute fields never populate.
	params.AddExpand("latest_charge")
	intent, err := p.intents.Get(strings.TrimSpace(req.PaymentID), params)
	if err != nil {
		return PaymentDetails{}, wrapStripeError(err)
	}
	return stripePaymentDetails(intent), nil
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := mapStripeIntentStatus(intent.Status)
	if charge := intent.LatestCharge; charge != nil {
		if charge.Refunded || (charge.AmountRefunded >= charge.Amount && charge.Amount > 0) {
			status = domain.GatewayStatusRefunded
		} else if charge.Disputed {
			status = domain.GatewayStatusChargedBack
		}
	}

	externalRef := ""
	if intent.Metadata != nil {
		externalRef = strings.TrimSpace(intent.Metadata["external_reference"])
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return PaymentDetails{
		Provider:          stripeName,
		PaymentID:         intent.ID,
		Status:            status,
		StatusDetail:      string(intent.Status),
		ExternalReference: externalRef,
		Amount:            intent.Amount,
		Currency:          strings.ToUpper(string(intent.Currency)),
		Raw:               raw,
	}
}

func mapStripeIntentStatus(status stripe.PaymentIntentStatus) domain.GatewayStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.GatewayStatusApproved
	case stripe.PaymentIntentStatusCanceled:
		return domain.GatewayStatusCancelled
	case stripe.PaymentIntentStatusProcessing:
		return domain.GatewayStatusInProcess
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		return domain.GatewayStatusPending
	default:
		return domain.GatewayStatusUnknown
	}
}

func wrapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		kind := ErrorKindInvalidResponse
		switch {
		case stripeErr.HTTPStatusCode == 404 || stripeErr.Code == stripe.ErrorCodeResourceMissing:
			kind = ErrorKindNotFound
		case stripeErr.HTTPStatusCode == 401 || stripeErr.HTTPStatusCode == 403:
			kind = ErrorKindUnauthorized
		case stripeErr.HTTPStatusCode == 429:
			kind = ErrorKindRateLimited
		case stripeErr.HTTPStatusCode >= 500:
			kind = ErrorKindUnavailable
		}
		return &GatewayError{
			Provider: stripeName,
			Kind:     kind,
			Status:   stripeErr.HTTPStatusCode,
			Err:      err,
		}
	}
	return &GatewayError{
		Provider: stripeName,
		Kind:     ErrorKindUnavailable,
		Err:      fmt.Errorf("stripe: lookup payment intent: %w", err),
	}
}
