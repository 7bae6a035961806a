package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func baseEnv() map[string]string {
	return map[string]string{
		"STOREFRONT_SESSION_SIGNING_KEY":  testSigningKey,
		"STOREFRONT_PAYMENTS_ENABLE_FAKE": "true",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if !cfg.Checkout.TaxRate.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("unexpected tax rate %s", cfg.Checkout.TaxRate)
	}
	if !cfg.Checkout.ConversionRate.Equal(decimal.NewFromInt(83)) {
		t.Errorf("unexpected conversion rate %s", cfg.Checkout.ConversionRate)
	}
	if cfg.Checkout.Currency != "INR" || cfg.Checkout.Country != "India" {
		t.Errorf("unexpected locale defaults %s/%s", cfg.Checkout.Currency, cfg.Checkout.Country)
	}
	if cfg.Checkout.Locale != "en-IN" {
		t.Errorf("unexpected display locale %s", cfg.Checkout.Locale)
	}
	if cfg.Payments.Widget.ScriptURL != defaultWidgetScriptURL {
		t.Errorf("unexpected widget script url %s", cfg.Payments.Widget.ScriptURL)
	}
	if cfg.Payments.Widget.Enabled() || cfg.Payments.Stripe.Enabled() {
		t.Errorf("expected no credentialed gateways by default")
	}
	if cfg.Cart.IdleTTL != defaultCartIdleTTL {
		t.Errorf("unexpected cart ttl %s", cfg.Cart.IdleTTL)
	}
	if !cfg.Session.Secure {
		t.Errorf("expected secure cookies by default")
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"STOREFRONT_SERVER_PORT":              "9090",
		"STOREFRONT_SESSION_SIGNING_KEY":      "sm://storefront/session",
		"STOREFRONT_CHECKOUT_TAX_RATE":        "0.18",
		"STOREFRONT_CHECKOUT_CURRENCY":        "usd",
		"STOREFRONT_PAYMENTS_CURRENCY_ROUTES": "usd=Stripe, inr=widget, bogus",
		"STOREFRONT_WIDGET_KEY_ID":            "rzp_live",
		"STOREFRONT_WIDGET_KEY_SECRET":        "secret://widget/secret",
		"STOREFRONT_STRIPE_API_KEY":           "secret://stripe/api",
		"STOREFRONT_STRIPE_WEBHOOK_SECRET":    "secret://stripe/webhook",
		"STOREFRONT_STRIPE_SUCCESS_URL":       "https://shop.example/done",
		"STOREFRONT_STRIPE_CANCEL_URL":        "https://shop.example/cart",
	}
	var requested []string
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		requested = append(requested, ref)
		if ref == "secret://storefront/session" {
			return testSigningKey, nil
		}
		return "resolved:" + ref, nil
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("unexpected port %s", cfg.Server.Port)
	}
	if cfg.Session.SigningKey != testSigningKey {
		t.Errorf("expected resolved signing key")
	}
	if cfg.Payments.Stripe.APIKey != "resolved:secret://stripe/api" {
		t.Errorf("unexpected stripe key %s", cfg.Payments.Stripe.APIKey)
	}
	if cfg.Checkout.Currency != "USD" {
		t.Errorf("expected upper-cased currency, got %s", cfg.Checkout.Currency)
	}
	if got := cfg.Payments.CurrencyRoutes; len(got) != 2 || got["USD"] != "stripe" || got["INR"] != "widget" {
		t.Errorf("unexpected currency routes %v", got)
	}
	if len(requested) != 4 {
		t.Errorf("expected 4 secret lookups, got %v", requested)
	}
}

func TestLoadFailsWithoutSecretResolver(t *testing.T) {
	env := baseEnv()
	env["STOREFRONT_STRIPE_API_KEY"] = "sm://stripe/api"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://stripe/api" {
		t.Fatalf("unexpected ref %s", secretErr.Ref)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"STOREFRONT_SESSION_SIGNING_KEY":       "short",
		"STOREFRONT_CHECKOUT_CONVERSION_RATE":  "0",
		"STOREFRONT_CHECKOUT_CURRENCY":         "RUPEES",
		"STOREFRONT_CART_IDLE_TTL":             "soon",
		"STOREFRONT_STRIPE_API_KEY":            "sk_test",
		"STOREFRONT_PAYMENTS_DEFAULT_PROVIDER": "paypal",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := vErr.Fields()
	for _, want := range []string{
		"STOREFRONT_CART_IDLE_TTL",
		"Session.SigningKey",
		"Checkout.ConversionRate",
		"Checkout.Currency",
		"Payments.Stripe.SuccessURL",
		"Payments.Stripe.CancelURL",
		"Payments.DefaultProvider",
	} {
		if !slices.Contains(fields, want) {
			t.Errorf("expected %s in %v", want, fields)
		}
	}
}

func TestLoadRequiresAGateway(t *testing.T) {
	env := map[string]string{"STOREFRONT_SESSION_SIGNING_KEY": testSigningKey}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) || !slices.Contains(vErr.Fields(), "Payments.Gateway") {
		t.Fatalf("expected Payments.Gateway validation error, got %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\n" +
		"export STOREFRONT_SESSION_SIGNING_KEY=" + testSigningKey + "\n" +
		"STOREFRONT_PAYMENTS_ENABLE_FAKE=true\n" +
		"STOREFRONT_SERVER_PORT=7000\n" +
		"STOREFRONT_CHECKOUT_COUNTRY='Nepal'\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("STOREFRONT_SERVER_PORT", "7100")
	cfg, err := Load(context.Background(), WithEnvFile(path))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7100" {
		t.Errorf("expected OS env to override .env, got %s", cfg.Server.Port)
	}
	if cfg.Checkout.Country != "Nepal" {
		t.Errorf("expected .env value, got %s", cfg.Checkout.Country)
	}

	cfg, err = Load(context.Background(), WithEnvFile(path), WithEnvMap(map[string]string{"STOREFRONT_SERVER_PORT": "7200"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7200" {
		t.Errorf("expected explicit map to win, got %s", cfg.Server.Port)
	}
}

func TestLoadBootstrapLeavesSecretsUnresolved(t *testing.T) {
	env := map[string]string{
		"STOREFRONT_LOG_LEVEL":           "DEBUG",
		"STOREFRONT_SECRETS_PROJECT_ID":  "shop-prod",
		"STOREFRONT_SESSION_SIGNING_KEY": "secret://session-key",
	}
	boot, err := LoadBootstrap(WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if boot.LogLevel != "debug" {
		t.Errorf("unexpected log level %q", boot.LogLevel)
	}
	if boot.Secrets.ProjectID != "shop-prod" || boot.Secrets.FallbackFile != "secrets.local.json" {
		t.Errorf("unexpected secrets config %+v", boot.Secrets)
	}
}
