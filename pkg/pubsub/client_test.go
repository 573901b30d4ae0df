package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
)

func TestTopicNamesDeduplicates(t *testing.T) {
	names := topicNames(config.PubSubConfig{LedgerTopic: " credit-events ", PurchaseTopic: "credit-events"})
	require.Equal(t, []string{"credit-events"}, names)

	require.Empty(t, topicNames(config.PubSubConfig{}))
}

func TestNewClientValidatesInputs(t *testing.T) {
	_, err := NewClient(context.Background(), config.GCPConfig{}, config.PubSubConfig{LedgerTopic: "x"}, nil)
	require.ErrorIs(t, err, errProjectIDRequired)

	_, err = NewClient(context.Background(), config.GCPConfig{ProjectID: "proj"}, config.PubSubConfig{}, nil)
	require.ErrorIs(t, err, errNoTopics)
}

func TestResourceName(t *testing.T) {
	c := &Client{projectID: "proj"}
	require.Equal(t, "projects/proj/topics/ledger", c.resourceName(topicsSegment, "ledger"))
	require.Equal(t, "projects/other/topics/x", c.resourceName(topicsSegment, "projects/other/topics/x"))
	require.Equal(t, "projects/proj/subscriptions/credit-ledger-analytics", c.resourceName(subscriptionsSegment, " credit-ledger-analytics "))
	require.Equal(t, "projects/other/subscriptions/x", c.resourceName(subscriptionsSegment, "projects/other/subscriptions/x"))
	require.Empty(t, c.resourceName(topicsSegment, "  "))
	require.Empty(t, (&Client{}).resourceName(topicsSegment, "ledger"))
}

func TestLookupClassifiesErrors(t *testing.T) {
	c := &Client{projectID: "proj"}

	var seen string
	require.NoError(t, c.lookup(topicsSegment, "ledger", func(full string) error {
		seen = full
		return nil
	}))
	require.Equal(t, "projects/proj/topics/ledger", seen)

	err := c.lookup(subscriptionsSegment, "gone", func(string) error {
		return status.Error(codes.NotFound, "missing")
	})
	require.EqualError(t, err, `subscription "gone" does not exist`)

	denied := status.Error(codes.PermissionDenied, "nope")
	err = c.lookup(topicsSegment, "ledger", func(string) error { return denied })
	require.True(t, errors.Is(err, denied))

	require.Error(t, c.lookup(topicsSegment, "", func(string) error { return nil }))
}

func TestNilClient(t *testing.T) {
	var c *Client
	require.Nil(t, c.Subscription("x"))
	require.Nil(t, c.Publisher("x"))
	require.ErrorIs(t, c.Ping(context.Background()), errNotInitialized)
	require.ErrorIs(t, c.EnsureSubscription(context.Background(), "x"), errNotInitialized)
	require.NoError(t, c.Close())
}
