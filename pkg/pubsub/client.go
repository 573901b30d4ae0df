package pubsub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const (
	topicsSegment        = "topics"
	subscriptionsSegment = "subscriptions"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoTopics          = errors.New("pubsub topic name is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// Client wraps a Pub/Sub v2 client scoped to one project. Publishers are
// cached per topic so batching settings apply across callers.
type Client struct {
	client    *pubsub.Client
	projectID string
	topics    []string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// NewClient connects and fails unless every configured topic exists.
// Topics are never created here.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	topics := topicNames(cfg)
	if len(topics) == 0 {
		return nil, errNoTopics
	}

	psClient, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{
		client:     psClient,
		projectID:  projectID,
		topics:     topics,
		publishers: map[string]*pubsub.Publisher{},
	}
	if err := c.Ping(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"project": projectID,
			"topics":  topics,
		}), "pubsub client initialized")
	}
	return c, nil
}

func topicNames(cfg config.PubSubConfig) []string {
	var names []string
	for _, name := range []string{cfg.LedgerTopic, cfg.PurchaseTopic} {
		name = strings.TrimSpace(name)
		if name != "" && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

// Ping checks that every configured topic still exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	for _, name := range c.topics {
		err := c.lookup(topicsSegment, name, func(full string) error {
			_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: full})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// EnsureSubscription fails when the named subscription does not exist.
func (c *Client) EnsureSubscription(ctx context.Context, name string) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	return c.lookup(subscriptionsSegment, name, func(full string) error {
		_, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: full})
		return err
	})
}

func (c *Client) lookup(segment, name string, get func(full string) error) error {
	full := c.resourceName(segment, name)
	if full == "" {
		return fmt.Errorf("%s %q not configured", singular(segment), name)
	}
	switch err := get(full); {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", singular(segment), name)
	default:
		return fmt.Errorf("checking %s %q: %w", singular(segment), name, err)
	}
}

func singular(segment string) string {
	return strings.TrimSuffix(segment, "s")
}

// Subscription returns a receive handle for a subscription ID or full
// resource name.
func (c *Client) Subscription(name string) *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	full := c.resourceName(subscriptionsSegment, name)
	if full == "" {
		return nil
	}
	return c.client.Subscriber(full)
}

// Publisher returns the shared publisher for a topic ID or full resource
// name, creating it on first use.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	full := c.resourceName(topicsSegment, name)
	if full == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.publishers[full]; ok {
		return p
	}
	p := c.client.Publisher(full)
	c.publishers[full] = p
	return p
}

// Close flushes every cached publisher and releases the client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	for full, p := range c.publishers {
		p.Stop()
		delete(c.publishers, full)
	}
	c.mu.Unlock()
	return c.client.Close()
}

// resourceName expands a short ID to projects/<project>/<segment>/<id>.
// Names already in that form pass through unchanged.
func (c *Client) resourceName(segment, name string) string {
	if c == nil {
		return ""
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/"+segment+"/") {
		return name
	}
	if c.projectID == "" {
		return ""
	}
	return "projects/" + c.projectID + "/" + segment + "/" + name
}
