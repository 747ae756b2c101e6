package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/procuresight_backend/config"
)

// PubSubPublisher forwards hub events to a Pub/Sub topic shared by every
// instance.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context, topicName string) (*PubSubPublisher, error) {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return nil, err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, topicName)
	if err != nil {
		return nil, err
	}
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) Forward(ctx context.Context, ev Event) error {
	_, err := config.PublishJSON(ctx, p.topic, ev, map[string]string{
		"org_id": ev.OrgId,
		"type":   ev.Type,
		"origin": ev.Origin,
	})
	return err
}

func (p *PubSubPublisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

// RunSubscription pulls events published by other instances and delivers
// them to the local hub until ctx is done.
func RunSubscription(ctx context.Context, hub *Hub, topicName, subscriptionName string) error {
	logger := config.GetLogger()
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, topicName)
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, subscriptionName, topic)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"subscription": subscriptionName, "instance": hub.InstanceId()}).Info("[events.subscription] receiving")

	err = sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			config.LogError(logger, "events/pubsub.go", "RunSubscription", "decode event", map[string]any{"message_id": m.ID}, err)
			m.Ack()
			return
		}
		hub.DeliverRemote(ev)
		m.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// PushEnvelope is the body of a Pub/Sub push delivery.
type PushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushHandler accepts Pub/Sub push deliveries. It always answers 204 so a
// malformed message is never redelivered.
func PushHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "events/pubsub.go", "PushHandler", "decode envelope", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		var ev Event
		if err := json.Unmarshal(envelope.Message.Data, &ev); err != nil {
			config.LogError(logger, "events/pubsub.go", "PushHandler", "decode event",
				map[string]any{"message_id": envelope.Message.ID}, err)
			c.Status(http.StatusNoContent)
			return
		}
		hub.DeliverRemote(ev)
		c.Status(http.StatusNoContent)
	}
}
