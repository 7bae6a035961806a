package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
)

const (
	envPrefix              = "STOREFRONT_"
	defaultEnvFile         = ".env"
	defaultPort            = "8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultCookieName      = "storefront_session"
	defaultSessionMaxAge   = 7 * 24 * time.Hour
	defaultCartIdleTTL     = 2 * time.Hour
	defaultSweepInterval   = 5 * time.Minute
	defaultAttemptRetain   = time.Hour
	defaultTaxRate         = "0.1"
	defaultConversionRate  = "83"
	defaultCurrency        = "INR"
	defaultCountry         = "India"
	defaultLocale          = "en-IN"
	defaultStoreName       = "Your Store Name"
	defaultStoreDesc       = "Purchase from Your Store"
	defaultThemeColor      = "#3399cc"
	defaultWidgetScriptURL = "https://checkout.razorpay.com/v1/checkout.js"
	defaultStripeScriptURL = "https://js.stripe.com/v3/"
	defaultSecretsEnv      = "local"
	defaultSecretsFallback = "secrets.local.json"
	minSigningKeyLength    = 32
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Session       SessionConfig
	Cart          CartConfig
	Checkout      CheckoutConfig
	Payments      PaymentsConfig
	Secrets       SecretsConfig
	Observability ObservabilityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// SessionConfig configures the signed shopper cookie.
type SessionConfig struct {
	SigningKey string
	CookieName string
	MaxAge     time.Duration
	Secure     bool
}

// CartConfig controls in-memory cart retention.
type CartConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// CheckoutConfig holds pricing constants and store presentation.
type CheckoutConfig struct {
	TaxRate          decimal.Decimal
	ConversionRate   decimal.Decimal
	Currency         string
	Country          string
	Locale           string
	StoreName        string
	StoreDescription string
	AttemptRetention time.Duration
}

// PaymentsConfig groups gateway selection and credentials.
type PaymentsConfig struct {
	DefaultProvider string
	CurrencyRoutes  map[string]string
	EnableFake      bool
	Widget          WidgetConfig
	Stripe          StripeConfig
}

// WidgetConfig configures the embedded checkout widget.
type WidgetConfig struct {
	ScriptURL  string
	KeyID      string
	KeySecret  string
	ThemeColor string
}

// Enabled reports whether the widget gateway has credentials.
func (c WidgetConfig) Enabled() bool { return c.KeyID != "" }

// StripeConfig configures hosted Stripe Checkout.
type StripeConfig struct {
	ScriptURL     string
	APIKey        string
	WebhookSecret string
	AccountID     string
	SuccessURL    string
	CancelURL     string
}

// Enabled reports whether the Stripe gateway has credentials.
func (c StripeConfig) Enabled() bool { return c.APIKey != "" }

// SecretsConfig configures Secret Manager lookups.
type SecretsConfig struct {
	ProjectID    string
	Environment  string
	FallbackFile string
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string
	ProjectID string
}

// SecretResolver resolves references to external secrets.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// source looks keys up by precedence: explicit map, process env, then .env file.
type source struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
	invalid  []string
}

func (s *source) raw(key string) (string, bool) {
	key = envPrefix + key
	if v, ok := s.explicit[key]; ok {
		return strings.TrimSpace(v), true
	}
	if s.system {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v), true
		}
	}
	if v, ok := s.dotenv[key]; ok {
		return strings.TrimSpace(v), true
	}
	return "", false
}

func (s *source) str(key, fallback string) string {
	if v, ok := s.raw(key); ok && v != "" {
		return v
	}
	return fallback
}

func (s *source) duration(key string, fallback time.Duration) time.Duration {
	v, ok := s.raw(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.invalid = append(s.invalid, envPrefix+key)
		return fallback
	}
	return d
}

func (s *source) boolean(key string, fallback bool) bool {
	v, ok := s.raw(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		s.invalid = append(s.invalid, envPrefix+key)
		return fallback
	}
	return parsed
}

func (s *source) decimal(key, fallback string) decimal.Decimal {
	v := s.str(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		s.invalid = append(s.invalid, envPrefix+key)
		return decimal.RequireFromString(fallback)
	}
	return d
}

// pairs parses "INR=widget,USD=stripe" style values.
func (s *source) pairs(key string) map[string]string {
	out := make(map[string]string)
	v, ok := s.raw(key)
	if !ok || v == "" {
		return out
	}
	for _, entry := range strings.Split(v, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(entry), "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !found || name == "" || value == "" {
			continue
		}
		out[strings.ToUpper(name)] = strings.ToLower(value)
	}
	return out
}

// Bootstrap holds the settings needed before secrets can be resolved.
type Bootstrap struct {
	Secrets  SecretsConfig
	LogLevel string
}

// LoadBootstrap reads the logging and secret lookup settings with the same
// precedence as Load. Secret references are left unresolved.
func LoadBootstrap(opts ...Option) (Bootstrap, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Bootstrap{}, err
	}
	src := &source{explicit: options.envMap, system: options.useSystemEnv, dotenv: dotenv}
	return Bootstrap{
		Secrets:  secretsConfig(src),
		LogLevel: strings.ToLower(src.str("LOG_LEVEL", "info")),
	}, nil
}

func secretsConfig(src *source) SecretsConfig {
	return SecretsConfig{
		ProjectID:    src.str("SECRETS_PROJECT_ID", ""),
		Environment:  strings.ToLower(src.str("SECRETS_ENVIRONMENT", defaultSecretsEnv)),
		FallbackFile: src.str("SECRETS_FALLBACK_FILE", defaultSecretsFallback),
	}
}

// Load assembles configuration from defaults, .env overrides, environment
// variables and secret references, then validates it.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	src := &source{explicit: options.envMap, system: options.useSystemEnv, dotenv: dotenv}

	cfg := Config{
		Server: ServerConfig{
			Port:            src.str("SERVER_PORT", defaultPort),
			ReadTimeout:     src.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    src.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     src.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: src.duration("SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Session: SessionConfig{
			SigningKey: src.str("SESSION_SIGNING_KEY", ""),
			CookieName: src.str("SESSION_COOKIE_NAME", defaultCookieName),
			MaxAge:     src.duration("SESSION_MAX_AGE", defaultSessionMaxAge),
			Secure:     src.boolean("SESSION_SECURE", true),
		},
		Cart: CartConfig{
			IdleTTL:       src.duration("CART_IDLE_TTL", defaultCartIdleTTL),
			SweepInterval: src.duration("CART_SWEEP_INTERVAL", defaultSweepInterval),
		},
		Checkout: CheckoutConfig{
			TaxRate:          src.decimal("CHECKOUT_TAX_RATE", defaultTaxRate),
			ConversionRate:   src.decimal("CHECKOUT_CONVERSION_RATE", defaultConversionRate),
			Currency:         strings.ToUpper(src.str("CHECKOUT_CURRENCY", defaultCurrency)),
			Country:          src.str("CHECKOUT_COUNTRY", defaultCountry),
			Locale:           src.str("CHECKOUT_LOCALE", defaultLocale),
			StoreName:        src.str("CHECKOUT_STORE_NAME", defaultStoreName),
			StoreDescription: src.str("CHECKOUT_STORE_DESCRIPTION", defaultStoreDesc),
			AttemptRetention: src.duration("CHECKOUT_ATTEMPT_RETENTION", defaultAttemptRetain),
		},
		Payments: PaymentsConfig{
			DefaultProvider: strings.ToLower(src.str("PAYMENTS_DEFAULT_PROVIDER", "")),
			CurrencyRoutes:  src.pairs("PAYMENTS_CURRENCY_ROUTES"),
			EnableFake:      src.boolean("PAYMENTS_ENABLE_FAKE", false),
			Widget: WidgetConfig{
				ScriptURL:  src.str("WIDGET_SCRIPT_URL", defaultWidgetScriptURL),
				KeyID:      src.str("WIDGET_KEY_ID", ""),
				KeySecret:  src.str("WIDGET_KEY_SECRET", ""),
				ThemeColor: src.str("WIDGET_THEME_COLOR", defaultThemeColor),
			},
			Stripe: StripeConfig{
				ScriptURL:     src.str("STRIPE_SCRIPT_URL", defaultStripeScriptURL),
				APIKey:        src.str("STRIPE_API_KEY", ""),
				WebhookSecret: src.str("STRIPE_WEBHOOK_SECRET", ""),
				AccountID:     src.str("STRIPE_ACCOUNT_ID", ""),
				SuccessURL:    src.str("STRIPE_SUCCESS_URL", ""),
				CancelURL:     src.str("STRIPE_CANCEL_URL", ""),
			},
		},
		Secrets: secretsConfig(src),
		Observability: ObservabilityConfig{
			LogLevel:  strings.ToLower(src.str("LOG_LEVEL", "info")),
			ProjectID: src.str("OBSERVABILITY_PROJECT_ID", ""),
		},
	}

	secretFields := []*string{
		&cfg.Session.SigningKey,
		&cfg.Payments.Widget.KeyID,
		&cfg.Payments.Widget.KeySecret,
		&cfg.Payments.Stripe.APIKey,
		&cfg.Payments.Stripe.WebhookSecret,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = strings.TrimSpace(resolved)
	}

	if err := validate(cfg, src.invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config, invalid []string) error {
	fields := append([]string(nil), invalid...)
	add := func(cond bool, name string) {
		if cond {
			fields = append(fields, name)
		}
	}

	add(cfg.Server.Port == "", "Server.Port")
	add(len(cfg.Session.SigningKey) < minSigningKeyLength, "Session.SigningKey")
	add(cfg.Session.MaxAge <= 0, "Session.MaxAge")
	add(cfg.Cart.IdleTTL <= 0, "Cart.IdleTTL")
	add(cfg.Cart.SweepInterval <= 0, "Cart.SweepInterval")
	add(cfg.Checkout.TaxRate.IsNegative(), "Checkout.TaxRate")
	add(!cfg.Checkout.ConversionRate.IsPositive(), "Checkout.ConversionRate")
	if _, err := currency.ParseISO(cfg.Checkout.Currency); err != nil {
		fields = append(fields, "Checkout.Currency")
	}
	if _, err := language.Parse(cfg.Checkout.Locale); err != nil {
		fields = append(fields, "Checkout.Locale")
	}

	p := cfg.Payments
	add(!p.Widget.Enabled() && !p.Stripe.Enabled() && !p.EnableFake, "Payments.Gateway")
	if p.Widget.Enabled() {
		add(p.Widget.ScriptURL == "", "Payments.Widget.ScriptURL")
	}
	if p.Stripe.Enabled() {
		add(p.Stripe.SuccessURL == "", "Payments.Stripe.SuccessURL")
		add(p.Stripe.CancelURL == "", "Payments.Stripe.CancelURL")
		add(p.Stripe.ScriptURL == "", "Payments.Stripe.ScriptURL")
	}
	switch p.DefaultProvider {
	case "", "widget", "stripe", "fake":
	default:
		fields = append(fields, "Payments.DefaultProvider")
	}

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}
