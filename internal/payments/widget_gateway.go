package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// WidgetProvider is the registration key of the embedded widget gateway.
const WidgetProvider = "widget"

const defaultThemeColor = "#3399cc"

// WidgetTheme styles the embedded widget.
type WidgetTheme struct {
	Color string `json:"color"`
}

// WidgetOptions is the configuration the browser hands to the gateway widget.
type WidgetOptions struct {
	Key         string            `json:"key"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	OrderID     string            `json:"order_id"`
	Prefill     Prefill           `json:"prefill"`
	Notes       map[string]string `json:"notes,omitempty"`
	Theme       WidgetTheme       `json:"theme"`
}

// WidgetConfig configures the widget gateway. Credentials come from configuration only.
type WidgetConfig struct {
	KeyID      string
	KeySecret  string
	ThemeColor string
}

// WidgetGateway drives a script-delivered checkout widget in the shopper's browser.
type WidgetGateway struct {
	keyID     string
	keySecret string
	theme     string
}

// NewWidgetGateway validates the configuration and builds the gateway.
func NewWidgetGateway(cfg WidgetConfig) (*WidgetGateway, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		return nil, errors.New("widget: key id is required")
	}
	theme := strings.TrimSpace(cfg.ThemeColor)
	if theme == "" {
		theme = defaultThemeColor
	}
	return &WidgetGateway{
		keyID:     keyID,
		keySecret: strings.TrimSpace(cfg.KeySecret),
		theme:     theme,
	}, nil
}

// Name implements Gateway.
func (g *WidgetGateway) Name() string { return WidgetProvider }

// Open implements Gateway.
func (g *WidgetGateway) Open(_ context.Context, req SessionRequest) (Checkout, error) {
	if g == nil {
		return Checkout{}, errors.New("widget: gateway is nil")
	}
	if req.Amount <= 0 {
		return Checkout{}, errors.New("widget: amount must be positive")
	}
	if strings.TrimSpace(req.Currency) == "" {
		return Checkout{}, errors.New("widget: currency is required")
	}
	if strings.TrimSpace(req.OrderRef) == "" {
		return Checkout{}, errors.New("widget: order reference is required")
	}

	opts := &WidgetOptions{
		Key:         g.keyID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Name:        req.Name,
		Description: req.Description,
		OrderID:     req.OrderRef,
		Prefill:     req.Prefill,
		Theme:       WidgetTheme{Color: g.theme},
	}
	if len(req.Metadata) > 0 {
		opts.Notes = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			opts.Notes[k] = v
		}
	}
	return Checkout{ProviderRef: req.OrderRef, Widget: opts}, nil
}

// VerifySuccess checks HMAC-SHA256(orderRef|paymentID) against the signature.
// Without a configured key secret every callback is accepted.
func (g *WidgetGateway) VerifySuccess(orderRef, paymentID, signature string) error {
	if g == nil || g.keySecret == "" {
		return nil
	}
	expected := SignWidgetPayment(g.keySecret, orderRef, paymentID)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignWidgetPayment computes the hex signature the widget attaches to a success callback.
func SignWidgetPayment(keySecret, orderRef, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(keySecret))
	mac.Write([]byte(orderRef + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
