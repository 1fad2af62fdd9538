package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

// SQSAPI is the subset of the SQS client used by SQSBackend.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const (
	attrSentTimestamp           = "SentTimestamp"
	attrApproximateReceiveCount = "ApproximateReceiveCount"
)

// SQSBackend runs a TaskQueue on Amazon SQS.
type SQSBackend struct {
	client SQSAPI
}

func NewSQSBackend(client SQSAPI) *SQSBackend {
	return &SQSBackend{client: client}
}

func (b *SQSBackend) QueueURL(ctx context.Context, name string) (string, error) {
	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
		}
		return "", err
	}
	return aws.ToString(out.QueueUrl), nil
}

func (b *SQSBackend) Attributes(ctx context.Context, url string) (Attributes, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameVisibilityTimeout,
		},
	})
	if err != nil {
		return Attributes{}, err
	}

	var attrs Attributes
	size, err := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	if err != nil {
		return Attributes{}, fmt.Errorf("parse message count: %w", err)
	}
	attrs.ApproximateMessages = size

	secs, err := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameVisibilityTimeout)])
	if err != nil {
		return Attributes{}, fmt.Errorf("parse visibility timeout: %w", err)
	}
	attrs.VisibilityTimeout = time.Duration(secs) * time.Second
	return attrs, nil
}

func (b *SQSBackend) Send(ctx context.Context, url, body string) error {
	_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(body),
	})
	return err
}

// SendBatch sends up to ten messages. Entries SQS rejects individually are
// reported as an error for the whole batch.
func (b *SQSBackend) SendBatch(ctx context.Context, url string, bodies []string) error {
	if len(bodies) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit of %d", len(bodies), MaxBatchSize)
	}
	entries := make([]types.SendMessageBatchRequestEntry, len(bodies))
	for i, body := range bodies {
		// ids only need to be unique within the request
		entries[i] = types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(body),
		}
	}
	out, err := b.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(url),
		Entries:  entries,
	})
	if err != nil {
		return err
	}
	if len(out.Failed) > 0 {
		failed := make([]string, 0, len(out.Failed))
		for _, f := range out.Failed {
			failed = append(failed, aws.ToString(f.Id)+": "+aws.ToString(f.Code))
		}
		return fmt.Errorf("%d of %d entries rejected (%s)", len(out.Failed), len(bodies), strings.Join(failed, ", "))
	}
	return nil
}

func (b *SQSBackend) Receive(ctx context.Context, url string) (*Message, error) {
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: 1,
		AttributeNames: []types.QueueAttributeName{
			attrSentTimestamp,
			attrApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	m := out.Messages[0]
	msg := &Message{
		ID:         aws.ToString(m.MessageId),
		LeaseToken: aws.ToString(m.ReceiptHandle),
		Body:       aws.ToString(m.Body),
	}
	// SentTimestamp is epoch milliseconds.
	if ms, err := strconv.ParseInt(m.Attributes[attrSentTimestamp], 10, 64); err == nil {
		msg.SentAt = time.UnixMilli(ms)
	}
	if n, err := strconv.Atoi(m.Attributes[attrApproximateReceiveCount]); err == nil {
		msg.ReceiveCount = n
	}
	return msg, nil
}

func (b *SQSBackend) ChangeVisibility(ctx context.Context, url, leaseToken string, timeout time.Duration) error {
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(leaseToken),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	return leaseError(err)
}

func (b *SQSBackend) Delete(ctx context.Context, url, leaseToken string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(leaseToken),
	})
	return leaseError(err)
}

func leaseError(err error) error {
	if err == nil {
		return nil
	}
	var invalid *types.ReceiptHandleIsInvalid
	var notInFlight *types.MessageNotInflight
	if errors.As(err, &invalid) || errors.As(err, &notInFlight) {
		return fmt.Errorf("%w: %w", ErrLeaseInvalid, err)
	}
	// An expired receipt handle comes back as a generic parameter error.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReceiptHandleIsInvalid", "AWS.SimpleQueueService.MessageNotInflight":
			return fmt.Errorf("%w: %w", ErrLeaseInvalid, err)
		case "InvalidParameterValue":
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "receipt handle") {
				return fmt.Errorf("%w: %w", ErrLeaseInvalid, err)
			}
		}
	}
	return err
}
