package workqueue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// sqsQueue targets an SQS FIFO queue. Visibility timeout, max receive count,
// and dead-letter redrive live in the queue configuration on the AWS side;
// the adapter relies on them rather than re-implementing.
type sqsQueue struct {
	client   SQSClient
	queueURL string
}

func newSQSQueue(cfg Config) (Queue, error) {
	if cfg.SQSClient == nil {
		return nil, fmt.Errorf("%w: sqs client is required", ErrInvalidConfig)
	}
	url := strings.TrimSpace(cfg.QueueURL)
	if url == "" {
		return nil, fmt.Errorf("%w: queue url is required", ErrInvalidConfig)
	}
	return &sqsQueue{client: cfg.SQSClient, queueURL: url}, nil
}

func (q *sqsQueue) Publish(ctx context.Context, body []byte, groupID, dedupID string) (string, error) {
	if err := validatePublish(body, groupID, dedupID); err != nil {
		return "", err
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(groupID),
		MessageDeduplicationId: aws.String(dedupID),
	})
	if err != nil {
		return "", fmt.Errorf("workqueue/sqs: send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *sqsQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Delivery, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	if maxMessages > 10 {
		maxMessages = 10
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(clampWait(wait) / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("workqueue/sqs: receive: %w", err)
	}
	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		receiveCount := 1
		if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				receiveCount = n
			}
		}
		deliveries = append(deliveries, Delivery{
			MessageID:     aws.ToString(msg.MessageId),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
			Body:          []byte(aws.ToString(msg.Body)),
			ReceiveCount:  receiveCount,
		})
	}
	return deliveries, nil
}

func (q *sqsQueue) Ack(ctx context.Context, receiptHandle string) error {
	if strings.TrimSpace(receiptHandle) == "" {
		return fmt.Errorf("%w: empty receipt handle", ErrInvalidInput)
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("workqueue/sqs: delete: %w", err)
	}
	return nil
}

func (q *sqsQueue) ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error {
	if strings.TrimSpace(receiptHandle) == "" {
		return fmt.Errorf("%w: empty receipt handle", ErrInvalidInput)
	}
	if d <= 0 {
		return fmt.Errorf("%w: non-positive visibility extension", ErrInvalidInput)
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		return fmt.Errorf("workqueue/sqs: change visibility: %w", err)
	}
	return nil
}
