// Package payments sells credit packages through Stripe Checkout.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"specbot/config"

	"github.com/apex/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

var ErrIncompleteSession = errors.New("checkout session is missing user or package")

// Checkout is a hosted payment page for one package.
type Checkout struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Completion is a paid checkout reported by the webhook.
type Completion struct {
	SessionID string
	UserID    int64
	PackageID string
}

// Client wraps the Stripe API operations the service needs.
type Client struct {
	sessions      session.Client
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewClient creates a Stripe client
func NewClient(secretKey, webhookSecret, successURL, cancelURL string) *Client {
	return &Client{
		sessions:      session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

// WithBackendURL points the client at another API host.
func (c *Client) WithBackendURL(u string) *Client {
	c.sessions.B = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(u),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return c
}

// CreateCheckout opens a one-off payment session for pkg.
func (c *Client) CreateCheckout(ctx context.Context, userID int64, pkg config.CreditPackage) (Checkout, error) {
	uid := strconv.FormatInt(userID, 10)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		ClientReferenceID: stripe.String(uid),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(pkg.Currency)),
					UnitAmount: stripe.Int64(pkg.MinorAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%s: %d credits", pkg.Name, pkg.Credits)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"user_id":    uid,
			"package_id": pkg.ID,
		},
	}
	params.Context = ctx

	s, err := c.sessions.New(params)
	if err != nil {
		return Checkout{}, fmt.Errorf("failed to create checkout session: %w", err)
	}
	log.WithFields(log.Fields{"user_id": userID, "package": pkg.ID, "session": s.ID}).Info("checkout.created")
	return Checkout{SessionID: s.ID, URL: s.URL}, nil
}

// ParseWebhook verifies a webhook delivery. ok is false for events that do
// not complete a paid checkout.
func (c *Client) ParseWebhook(payload []byte, signature string) (done Completion, ok bool, err error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Completion{}, false, fmt.Errorf("invalid webhook: %w", err)
	}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		log.Debugf("ignoring stripe event %s", event.Type)
		return Completion{}, false, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return Completion{}, false, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	if s.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		log.Infof("checkout session %s completed unpaid (%s)", s.ID, s.PaymentStatus)
		return Completion{}, false, nil
	}

	ref := s.ClientReferenceID
	if ref == "" {
		ref = s.Metadata["user_id"]
	}
	userID, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || s.Metadata["package_id"] == "" {
		return Completion{}, false, fmt.Errorf("%w: %s", ErrIncompleteSession, s.ID)
	}
	return Completion{SessionID: s.ID, UserID: userID, PackageID: s.Metadata["package_id"]}, true, nil
}
