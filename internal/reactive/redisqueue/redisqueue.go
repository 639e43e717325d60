// Package redisqueue implements the reactive.Queue interface over Redis
// lists: BRPopLPush into a processing list gives at-least-once delivery,
// with Ack/RejectRequeue/RejectDrop each resolving the processing-list
// entry exactly once.
package redisqueue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/thpham/runnerfleet/internal/reactive"
)

// Queue implements reactive.Queue against a Redis list pair.
type Queue struct {
	client     *redis.Client
	mainKey    string
	processing string
}

var _ reactive.Queue = (*Queue)(nil)

// New connects to Redis and returns a Queue over queueName, using a
// "<queueName>:processing" sibling list to track in-flight messages.
func New(ctx context.Context, redisURL, queueName string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Queue{
		client:     client,
		mainKey:    queueName,
		processing: queueName + ":processing",
	}, nil
}

// Close closes the underlying Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Size reports the current depth of the main queue, used by the scaler to
// size the reactive consumer pool.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.mainKey).Result()
}

// PushSentinel pushes the end-of-processing sentinel so one consumer
// retires gracefully after finishing its current message.
func (q *Queue) PushSentinel(ctx context.Context) error {
	return q.client.RPush(ctx, q.mainKey, reactive.EndProcessingPayload).Err()
}

// Receive blocks until a message is available, moving it atomically from
// the main list onto the processing list so a crash between Receive and
// Ack leaves the message recoverable rather than lost.
func (q *Queue) Receive(ctx context.Context) (reactive.Message, error) {
	payload, err := q.client.BRPopLPush(ctx, q.mainKey, q.processing, 0).Result()
	if err != nil {
		return reactive.Message{}, fmt.Errorf("failed to receive message: %w", err)
	}
	return reactive.Message{Payload: payload}, nil
}

// Ack removes msg from the processing list, marking it delivered.
func (q *Queue) Ack(ctx context.Context, msg reactive.Message) error {
	return q.client.LRem(ctx, q.processing, 1, msg.Payload).Err()
}

// RejectRequeue removes msg from the processing list and pushes it back
// onto the main list for another consumer to pick up.
func (q *Queue) RejectRequeue(ctx context.Context, msg reactive.Message) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, msg.Payload)
	pipe.RPush(ctx, q.mainKey, msg.Payload)
	_, err := pipe.Exec(ctx)
	return err
}

// RejectDrop removes msg from the processing list without requeuing it.
func (q *Queue) RejectDrop(ctx context.Context, msg reactive.Message) error {
	return q.client.LRem(ctx, q.processing, 1, msg.Payload).Err()
}
