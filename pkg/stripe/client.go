package stripe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)

	// ErrSignature marks webhook payloads whose signature or timestamp
	// failed verification.
	ErrSignature = errors.New("stripe webhook signature rejected")
)

var keyPrefixes = map[string][]string{
	testEnv: {"sk_test", "rk_test"},
	liveEnv: {"sk_live", "rk_live"},
}

// Client holds the Stripe API client used for checkout sessions and the
// secret used to verify purchase webhooks.
type Client struct {
	api           *stripe.Client
	environment   string
	signingSecret string
	tolerance     time.Duration
}

type settings struct {
	env       string
	apiKey    string
	secret    string
	tolerance time.Duration
}

// parseSettings reports every configuration problem at once.
func parseSettings(cfg config.StripeConfig) (settings, error) {
	s := settings{
		apiKey:    strings.TrimSpace(cfg.APIKey),
		secret:    strings.TrimSpace(cfg.Secret),
		tolerance: cfg.WebhookTolerance,
	}
	if s.tolerance <= 0 {
		s.tolerance = webhook.DefaultTolerance
	}

	var problems []error
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		problems = append(problems, err)
	}
	s.env = env
	switch {
	case s.apiKey == "":
		problems = append(problems, errAPIKeyRequired)
	case err == nil:
		if err := validateAPIKey(env, s.apiKey); err != nil {
			problems = append(problems, err)
		}
	}
	if s.secret == "" {
		problems = append(problems, errSecretRequired)
	}
	return s, errors.Join(problems...)
}

// NewClient validates cfg and configures the process-wide Stripe key the
// resource packages call through.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	s, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}
	stripe.Key = s.apiKey

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_env":        s.env,
			"webhook_tolerance": s.tolerance.String(),
		}), "stripe client initialized")
	}
	return &Client{
		api:           stripe.NewClient(s.apiKey),
		environment:   s.env,
		signingSecret: s.secret,
		tolerance:     s.tolerance,
	}, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// VerifyEvent checks the Stripe-Signature header against the raw payload and
// decodes the event. Verification failures wrap ErrSignature.
func (c *Client) VerifyEvent(payload []byte, header string) (stripe.Event, error) {
	if c == nil || c.signingSecret == "" {
		return stripe.Event{}, errSecretRequired
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, c.signingSecret, webhook.ConstructEventOptions{
		Tolerance:                c.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return event, nil
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	if _, ok := keyPrefixes[env]; !ok {
		return "", errInvalidStripeEnv
	}
	return env, nil
}

func validateAPIKey(env, key string) error {
	prefixes := keyPrefixes[env]
	if slices.ContainsFunc(prefixes, func(prefix string) bool {
		return strings.HasPrefix(key, prefix+"_")
	}) {
		return nil
	}
	return fmt.Errorf("stripe environment %q requires a %s key", env, strings.Join(prefixes, "/"))
}
