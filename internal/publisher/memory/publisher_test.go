package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "jobs.completed", map[string]string{"job_id": "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "jobs.failed", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	require.Len(t, pub.Messages(""), 2)
	failed := pub.Messages("jobs.failed")
	require.Len(t, failed, 1)
	require.Equal(t, "payload", failed[0].Payload)

	failed[0].Topic = "modified"
	require.Equal(t, "jobs.failed", pub.Messages("jobs.failed")[0].Topic)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "jobs.completed", nil)
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages(""))

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "jobs.completed", nil)
	require.NoError(t, err)
}
