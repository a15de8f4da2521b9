package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

type fakeResult struct {
	id  string
	err error
}

func (r fakeResult) Get(context.Context) (string, error) { return r.id, r.err }

type fakeTopic struct {
	msgs []*pubsub.Message
	err  error
}

func (f *fakeTopic) Publish(_ context.Context, msg *pubsub.Message) Result {
	f.msgs = append(f.msgs, msg)
	return fakeResult{id: "m-1", err: f.err}
}

func TestNotifyPublishesJSON(t *testing.T) {
	t.Parallel()

	topic := &fakeTopic{}
	n := New(topic)
	at := time.Date(2022, 5, 1, 12, 0, 0, 0, time.UTC)
	err := n.Notify(context.Background(), crawler.Notification{Subject: "cap", Body: "exceeded", At: at})
	require.NoError(t, err)
	require.Len(t, topic.msgs, 1)
	require.Equal(t, "cap", topic.msgs[0].Attributes["subject"])

	var got payload
	require.NoError(t, json.Unmarshal(topic.msgs[0].Data, &got))
	require.Equal(t, "exceeded", got.Body)
	require.True(t, got.At.Equal(at))
}

func TestNotifyReturnsPublishError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	n := New(&fakeTopic{err: boom})
	err := n.Notify(context.Background(), crawler.Notification{Subject: "cap"})
	require.ErrorIs(t, err, boom)
}

func TestNotifyWithoutTopic(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil).Notify(context.Background(), crawler.Notification{}))
}
