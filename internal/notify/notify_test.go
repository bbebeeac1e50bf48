package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jun/graphdrive/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent []*sqs.SendMessageInput
	err  error
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSQSPublisher_UploadCompleted(t *testing.T) {
	fake := &fakeSQS{}
	p := NewSQSPublisher(fake, "https://sqs.eu-west-1.amazonaws.com/123/uploads", quiet())

	event := model.UploadCompleted{
		UserID:     "user1",
		Path:       "videos/talk.mp4",
		ItemID:     "01ABC",
		Size:       25_000_000,
		Source:     "s3://ingest/talk.mp4",
		FinishedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.UploadCompleted(context.Background(), event))

	require.Len(t, fake.sent, 1)
	msg := fake.sent[0]
	assert.Equal(t, "https://sqs.eu-west-1.amazonaws.com/123/uploads", aws.ToString(msg.QueueUrl))
	assert.Equal(t, "upload.completed", aws.ToString(msg.MessageAttributes["event"].StringValue))

	var got model.UploadCompleted
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(msg.MessageBody)), &got))
	assert.Equal(t, event, got)
}

func TestSQSPublisher_SendFailure(t *testing.T) {
	p := NewSQSPublisher(&fakeSQS{err: errors.New("AccessDenied")}, "q", quiet())
	err := p.UploadCompleted(context.Background(), model.UploadCompleted{Path: "a"})
	assert.ErrorContains(t, err, "failed to send upload event")
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.UploadCompleted(context.Background(), model.UploadCompleted{}))
}
