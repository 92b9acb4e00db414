package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/refund"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"
)

// StripeConfig configures the Stripe adapter.
//
// Fields:
//
//	SecretKey     – API key used for every request.
//	WebhookSecret – endpoint secret used to verify Stripe-Signature headers.
//	Timeout       – per-request timeout; an expired request is an unknown outcome.
//	URL           – API base URL override, empty for the Stripe default.
//	Logger        – receives stripe-go's own diagnostics.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	URL           string
	Logger        *zap.Logger
}

// Stripe implements the payment gateway contract on the Stripe API.  The
// client never retries on its own: callers decide, and a refund must not
// be re-sent blindly.
type Stripe struct {
	intents       paymentintent.Client
	refunds       refund.Client
	webhookSecret string
}

// NewStripe builds a Stripe adapter with its own backend, so that the
// timeout and retry settings do not leak into the stripe-go globals.
func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Named("stripe").Sugar(),
	}
	if cfg.URL != "" {
		bc.URL = stripe.String(cfg.URL)
	}
	b := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
	return &Stripe{
		intents:       paymentintent.Client{B: b, Key: cfg.SecretKey},
		refunds:       refund.Client{B: b, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
	}
}

// CreateIntent creates a payment intent with automatic payment methods.
func (s *Stripe) CreateIntent(ctx context.Context, p IntentParams) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := s.intents.New(params)
	if err != nil {
		return Intent{}, classify("create intent", err)
	}
	return toIntent(pi), nil
}

// RetrieveIntent fetches an intent by id.  A missing intent matches
// ErrNotFound.
func (s *Stripe) RetrieveIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.intents.Get(id, params)
	if err != nil {
		return Intent{}, classify("retrieve intent", err)
	}
	return toIntent(pi), nil
}

// Refund refunds the full amount captured by an intent.
func (s *Stripe) Refund(ctx context.Context, intentID, idempotencyKey string) (Refund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	r, err := s.refunds.New(params)
	if err != nil {
		return Refund{}, classify("refund", err)
	}
	return Refund{ID: r.ID, Status: string(r.Status), Amount: r.Amount}, nil
}

// VerifySignature authenticates a webhook payload against the endpoint
// secret and decodes the event.  The payload is not interpreted when
// verification fails.
func (s *Stripe) VerifySignature(payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, errors.Join(ErrInvalidSignature, err)
	}
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil {
		if id, ok := ev.Data.Object["id"].(string); ok {
			out.IntentID = id
		}
	}
	return out, nil
}

func toIntent(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}

// classify sorts a stripe-go error into rejected or unknown.  Only a
// 4xx answer proves the request was refused; 409 (idempotency conflict)
// and 429 (rate limit) are transient, so they stay unknown with network
// failures, timeouts and 5xx.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		ge := &Error{Op: op, Code: string(se.Code), HTTPStatus: se.HTTPStatusCode, Err: err}
		switch {
		case se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 &&
			se.HTTPStatusCode != http.StatusConflict && se.HTTPStatusCode != http.StatusTooManyRequests:
			ge.Outcome = ErrRejected
		default:
			ge.Outcome = ErrUnknown
		}
		return ge
	}
	return &Error{Op: op, Outcome: ErrUnknown, Err: err}
}
