// Package pubsub publishes notifications to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

// Config names the topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether a topic is configured.
func (c Config) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// Topic is the subset of *pubsub.Topic the notifier needs.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) Result
}

// Result is the subset of *pubsub.PublishResult the notifier needs.
type Result interface {
	Get(ctx context.Context) (string, error)
}

// TopicAdapter exposes a *pubsub.Topic as a Topic.
type TopicAdapter struct {
	T *pubsub.Topic
}

// Publish implements Topic.
func (a TopicAdapter) Publish(ctx context.Context, msg *pubsub.Message) Result {
	return a.T.Publish(ctx, msg)
}

// Notifier implements crawler.Notifier.
type Notifier struct {
	topic Topic
}

// New creates a Notifier for the provided topic.
func New(topic Topic) *Notifier {
	return &Notifier{topic: topic}
}

type payload struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	At      time.Time `json:"at"`
}

// Notify marshals the notification to JSON and waits for the publish to be acknowledged.
func (n *Notifier) Notify(ctx context.Context, msg crawler.Notification) error {
	if n.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload{Subject: msg.Subject, Body: msg.Body, At: msg.At})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"subject": msg.Subject},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
