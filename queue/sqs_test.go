package queue

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/model"
)

type fakeSQS struct {
	SQSAPI

	sent         []string
	batchEntries [][]types.SendMessageBatchRequestEntry
	batchFailed  []types.BatchResultErrorEntry
	messages     []types.Message
	visibility   map[string]int32
	deleted      []string
	leaseErr     error
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	if aws.ToString(in.QueueName) == "missing" {
		return nil, &types.QueueDoesNotExist{Message: aws.String("no such queue")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/000/" + aws.ToString(in.QueueName))}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		"ApproximateNumberOfMessages": strconv.Itoa(len(f.messages)),
		"VisibilityTimeout":           "120",
	}}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.batchEntries = append(f.batchEntries, in.Entries)
	return &sqs.SendMessageBatchOutput{Failed: f.batchFailed}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if len(f.messages) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	m := f.messages[0]
	f.messages = f.messages[1:]
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{m}}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.leaseErr != nil {
		return nil, f.leaseErr
	}
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.leaseErr != nil {
		return nil, f.leaseErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSBackendTake(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	body, err := Marshal(model.NewTask(model.KindBit, map[string]string{"contentId": "x"}))
	require.NoError(t, err)

	fake := &fakeSQS{messages: []types.Message{{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("rh-1"),
		Body:          aws.String(body),
		Attributes: map[string]string{
			"SentTimestamp":           strconv.FormatInt(now.Add(-90*time.Second).UnixMilli(), 10),
			"ApproximateReceiveCount": "4",
		},
	}}}

	q, err := New(ctx, NewSQSBackend(fake), "work", WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, q.VisibilityTimeout())

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	task, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.KindBit, task.Kind)
	assert.Equal(t, "m-1", task.DeliveryID)
	assert.Equal(t, "rh-1", task.LeaseToken)
	assert.Equal(t, 4, task.ReceiveCount)

	require.NoError(t, q.ExtendVisibility(ctx, task))
	assert.Equal(t, int32(120), fake.visibility["rh-1"])

	require.NoError(t, q.Delete(ctx, task))
	assert.Equal(t, []string{"rh-1"}, fake.deleted)

	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestSQSBackendLeaseErrors(t *testing.T) {
	ctx := context.Background()
	task := &model.Task{Kind: model.KindNoop, LeaseToken: "stale", VisibilityTimeout: time.Minute}

	for name, cause := range map[string]error{
		"receipt handle invalid": &types.ReceiptHandleIsInvalid{Message: aws.String("bad handle")},
		"not in flight":          &types.MessageNotInflight{Message: aws.String("not in flight")},
		"expired receipt handle": &smithy.GenericAPIError{
			Code:    "InvalidParameterValue",
			Message: "Value AQEB... for parameter ReceiptHandle is invalid. Reason: The receipt handle has expired.",
		},
	} {
		t.Run(name, func(t *testing.T) {
			q, err := New(ctx, NewSQSBackend(&fakeSQS{leaseErr: cause}), "work")
			require.NoError(t, err)

			err = q.Delete(ctx, task)
			assert.ErrorIs(t, err, ErrLeaseInvalid)
			assert.NotErrorIs(t, err, ErrRemoteFailure)

			err = q.ExtendVisibility(ctx, task)
			assert.ErrorIs(t, err, ErrLeaseInvalid)
		})
	}

	for name, cause := range map[string]error{
		"transport":       errors.New("503"),
		"other parameter": &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "VisibilityTimeout is out of range"},
	} {
		t.Run(name, func(t *testing.T) {
			q, err := New(ctx, NewSQSBackend(&fakeSQS{leaseErr: cause}), "work")
			require.NoError(t, err)

			err = q.ExtendVisibility(ctx, task)
			assert.ErrorIs(t, err, ErrRemoteFailure)
			assert.NotErrorIs(t, err, ErrLeaseInvalid)
		})
	}
}

func TestSQSBackendBatch(t *testing.T) {
	ctx := context.Background()
	fake := &fakeSQS{}
	q, err := New(ctx, NewSQSBackend(fake), "work")
	require.NoError(t, err)

	tasks := make([]*model.Task, 12)
	for i := range tasks {
		tasks[i] = model.NewTask(model.KindNoop, nil)
	}
	require.NoError(t, q.PutAll(ctx, tasks))
	require.Len(t, fake.batchEntries, 2)
	assert.Len(t, fake.batchEntries[0], 10)
	assert.Len(t, fake.batchEntries[1], 2)
	for i, e := range fake.batchEntries[0] {
		assert.Equal(t, strconv.Itoa(i), aws.ToString(e.Id))
	}

	fake.batchFailed = []types.BatchResultErrorEntry{{Id: aws.String("0"), Code: aws.String("InternalError")}}
	err = q.PutAll(ctx, tasks[:3])
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0, be.Group)
}

func TestSQSBackendQueueNotFound(t *testing.T) {
	_, err := New(context.Background(), NewSQSBackend(&fakeSQS{}), "missing")
	assert.ErrorIs(t, err, ErrQueueNotFound)
}
