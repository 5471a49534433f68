package staysync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"cloud.google.com/go/pubsub"

	"bitbucket.org/casadata/rentals_backend/config"
	"bitbucket.org/casadata/rentals_backend/models"
	"github.com/sirupsen/logrus"
)

const defaultReconcileTopic = "reservation-reconcile-runs"

// RunMessage is the payload published for an async reconciliation trigger.
type RunMessage struct {
	RunId          uint   `json:"runId"`
	OrganizationId string `json:"organizationId"`
	Limit          int    `json:"limit,omitempty"`
}

func reconcileTopicName() string {
	if v := os.Getenv("RECONCILE_TOPIC"); v != "" {
		return v
	}
	return defaultReconcileTopic
}

// PublishRun enqueues a queued run for asynchronous processing. The run row
// already exists; the worker flips it to running when it picks it up.
func PublishRun(ctx context.Context, msg RunMessage) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, reconcileTopicName())
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result := topic.Publish(publishCtx, &pubsub.Message{Data: data})
	_, err = result.Get(publishCtx)
	if err != nil {
		return err
	}

	config.GetLogger().WithFields(logrus.Fields{
		"runId":          msg.RunId,
		"organizationId": msg.OrganizationId,
		"topic":          reconcileTopicName(),
	}).Info("reconciliation run enqueued")
	return nil
}

// HandlePushMessage processes one Pub/Sub push delivery. Terminal runs are
// acked without work so redeliveries stay idempotent.
func HandlePushMessage(ctx context.Context, data []byte) error {
	var msg RunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.RunId == 0 || msg.OrganizationId == "" {
		return errors.New("run message missing runId or organizationId")
	}

	var run models.ReconciliationRun
	err := config.GetDB().WithContext(ctx).
		Where("id = ? AND organization_id = ?", msg.RunId, msg.OrganizationId).
		Take(&run).Error
	if err != nil {
		return err
	}

	_, err = ProcessRun(ctx, &run, msg.Limit)
	return err
}
