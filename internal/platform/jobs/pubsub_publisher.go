package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/rotulo-studio/api/internal/services"
)

// PubSubAlertPublisher publishes low-stock alerts to a Pub/Sub topic.
type PubSubAlertPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubAlertPublisher constructs a Pub/Sub backed stock alert publisher.
func NewPubSubAlertPublisher(topic *pubsub.Topic) (*PubSubAlertPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub alert publisher: topic is required")
	}
	return &PubSubAlertPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishStockAlert enqueues a low-stock alert message on the configured topic.
func (p *PubSubAlertPublisher) PublishStockAlert(ctx context.Context, alert services.StockAlert) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub alert publisher: not initialised")
	}

	data, err := p.marshal(alert)
	if err != nil {
		return "", fmt.Errorf("marshal stock alert: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "stockItemId", alert.StockItemID)
	setAttr(attrs, "stockItemName", alert.Name)
	setAttr(attrs, "cause", alert.Cause)
	attrs["quantity"] = strconv.FormatInt(alert.Quantity, 10)
	attrs["minQuantity"] = strconv.FormatInt(alert.MinQuantity, 10)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish stock alert: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
