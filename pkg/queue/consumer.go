// Package queue is the scale-up message intake: it consumes batches from
// the durable queue, hands them to the dispatcher, and reports per-message
// failures back by withholding deletes.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wisbric/runnerd/pkg/scaleup"
)

// SQSAPI is the queue surface the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, input *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Dispatcher processes one decoded batch; *scaleup.Dispatcher satisfies it.
type Dispatcher interface {
	HandleBatch(ctx context.Context, msgs []scaleup.Message) (*scaleup.BatchResult, error)
}

// Retrier republishes rejected messages with backoff; *retry.Republisher
// satisfies it.
type Retrier interface {
	Enabled() bool
	Handle(ctx context.Context, m scaleup.Message)
}

// Notifier reports batch-fatal scaling errors; may be nil.
type Notifier interface {
	ScaleFailure(ctx context.Context, batchSize int, err error)
}

// Consumer is the long-poll intake loop.
type Consumer struct {
	sqs        SQSAPI
	dispatcher Dispatcher
	retrier    Retrier
	notifier   Notifier
	queueURL   string
	waitSecs   int32
	logger     *slog.Logger
}

// NewConsumer creates a Consumer. notifier may be nil.
func NewConsumer(api SQSAPI, dispatcher Dispatcher, retrier Retrier, notifier Notifier, queueURL string, waitSecs int, logger *slog.Logger) *Consumer {
	return &Consumer{
		sqs:        api,
		dispatcher: dispatcher,
		retrier:    retrier,
		notifier:   notifier,
		queueURL:   queueURL,
		waitSecs:   int32(waitSecs),
		logger:     logger,
	}
}

// RunLoop long-polls the queue until ctx is cancelled. Each received batch
// is one dispatcher invocation.
func (c *Consumer) RunLoop(ctx context.Context) {
	c.logger.Info("scale-up intake started", "queue", c.queueURL)
	for {
		if ctx.Err() != nil {
			c.logger.Info("scale-up intake stopped")
			return
		}
		resp, err := c.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     c.waitSecs,
		})
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("scale-up intake stopped")
				return
			}
			c.logger.Error("receiving messages", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if len(resp.Messages) == 0 {
			continue
		}
		c.processBatch(ctx, resp.Messages)
	}
}

// processBatch decodes, dispatches, and settles one queue batch. Messages on
// the reject list are withheld from deletion so the queue re-delivers them —
// unless the retry layer is enabled, in which case it takes over redelivery
// with computed backoff and the originals are deleted.
func (c *Consumer) processBatch(ctx context.Context, raw []sqstypes.Message) {
	var (
		msgs     []scaleup.Message
		receipts = map[string]string{}
	)
	for _, r := range raw {
		id := aws.ToString(r.MessageId)
		receipts[id] = aws.ToString(r.ReceiptHandle)
		m, err := scaleup.Decode([]byte(aws.ToString(r.Body)))
		if err != nil {
			// Malformed payloads are poison; drop them.
			c.logger.Error("dropping malformed message", "message_id", id, "error", err)
			continue
		}
		m.DeliveryID = id
		msgs = append(msgs, m)
	}

	rejected := map[string]scaleup.Message{}
	if len(msgs) > 0 {
		res, err := c.dispatcher.HandleBatch(ctx, msgs)
		for _, m := range res.Rejected {
			rejected[m.DeliveryID] = m
		}
		if err != nil {
			var se *scaleup.ScaleError
			switch {
			case errors.As(err, &se) && se.Retriable:
				// Return the first N messages of the batch to the queue so
				// the shortfall is retried.
				c.logger.Warn("retriable scaling failure",
					"failed_instances", se.FailedInstanceCount, "error", err)
				n := se.FailedInstanceCount
				for _, m := range msgs {
					if n == 0 {
						break
					}
					if _, ok := rejected[m.DeliveryID]; !ok {
						rejected[m.DeliveryID] = m
						n--
					}
				}
			default:
				// Fatal: swallow the batch so a poison message is not
				// retried forever.
				c.logger.Error("fatal scaling failure, dropping batch", "error", err)
				if c.notifier != nil {
					c.notifier.ScaleFailure(ctx, len(msgs), err)
				}
				rejected = map[string]scaleup.Message{}
			}
		}
	}

	if c.retrier != nil && c.retrier.Enabled() {
		for _, m := range rejected {
			c.retrier.Handle(ctx, m)
		}
		rejected = map[string]scaleup.Message{}
	}

	var entries []sqstypes.DeleteMessageBatchRequestEntry
	for id, receipt := range receipts {
		if _, ok := rejected[id]; ok {
			continue
		}
		entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
			Id:            aws.String(id),
			ReceiptHandle: aws.String(receipt),
		})
	}
	if len(entries) == 0 {
		return
	}
	if _, err := c.sqs.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(c.queueURL),
		Entries:  entries,
	}); err != nil {
		c.logger.Error("deleting processed messages", "error", err)
	}
}
