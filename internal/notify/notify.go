// Package notify publishes upload lifecycle events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/jun/graphdrive/internal/model"
	"github.com/sirupsen/logrus"
)

// Publisher announces committed uploads.
type Publisher interface {
	UploadCompleted(ctx context.Context, event model.UploadCompleted) error
}

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends one JSON message per event to a queue.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	log      logrus.FieldLogger
}

func NewSQSPublisher(client SQSAPI, queueURL string, log logrus.FieldLogger) *SQSPublisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SQSPublisher{client: client, queueURL: queueURL, log: log}
}

func (p *SQSPublisher) UploadCompleted(ctx context.Context, event model.UploadCompleted) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String("upload.completed"),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send upload event: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"message_id": aws.ToString(out.MessageId),
		"path":       event.Path,
	}).Debug("upload event published")
	return nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) UploadCompleted(context.Context, model.UploadCompleted) error { return nil }
