package redis

import "strings"

// Every key lives under cl:<kind>:...
const (
	keyNamespace      = "cl"
	idempotencyPrefix = "idempotency"
	rateLimitPrefix   = "rate_limit"
	lockPrefix        = "lock"
	webhookPrefix     = "webhook_event"
)

// IdempotencyKey namespaces a client idempotency key under its scope.
func (c *Client) IdempotencyKey(scope, id string) string {
	return joinKey(idempotencyPrefix, scope, id)
}

func (c *Client) RateLimitKey(scope string) string {
	return joinKey(rateLimitPrefix, scope)
}

func (c *Client) LockKey(name string) string {
	return joinKey(lockPrefix, name)
}

// WebhookEventKey returns the dedupe key for a provider event id.
func (c *Client) WebhookEventKey(provider, eventID string) string {
	return joinKey(webhookPrefix, provider, eventID)
}

// joinKey trims each part and skips the empty ones.
func joinKey(parts ...string) string {
	var b strings.Builder
	b.WriteString(keyNamespace)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}
