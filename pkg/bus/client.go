// Package bus provides instance-scoped Redis operations for the GrantRadar
// pipeline: durable streams with consumer groups, dead-letter streams, and
// the small ephemeral structures the agents share (seen sets, digest lists,
// pipeline state, metrics). All keys are namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple
// goroutines.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the event bus.
type Client struct {
	rdb      *redis.Client
	instance string
}

// Message is one delivered stream entry: its Redis stream ID plus the raw
// JSON payload from the "data" field.
type Message struct {
	ID      string
	Payload string
}

// PendingEntry describes one unacknowledged message in a consumer group.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	RetryCount int64
}

// NewClient creates a bus client for the given instance.
// Returns an error if instance is empty.
func NewClient(redisOpts *redis.Options, instance string) (*Client, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Client{
		rdb:      redis.NewClient(redisOpts),
		instance: instance,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Instance returns the instance name this client is scoped to.
func (c *Client) Instance() string {
	return c.instance
}

// Publish appends a JSON-encodable envelope to a stream under the single
// "data" field and returns the assigned message ID.
func (c *Client) Publish(ctx context.Context, stream string, envelope any) (string, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope for %s: %w", stream, err)
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(c.instance, stream),
		Values: map[string]any{"data": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return id, nil
}

// Republish appends an already-encoded payload to a stream. Used by stall
// recovery to re-enqueue a claimed message without re-marshalling it.
func (c *Client) Republish(ctx context.Context, stream, payload string) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(c.instance, stream),
		Values: map[string]any{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to republish to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates a consumer group on a stream, creating the stream if
// needed. "group already exists" is treated as success so creation is
// idempotent across restarts and replicas.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, streamKey(c.instance, stream), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Subscribe reads new messages for a consumer group using the ">" cursor.
// Blocks up to block; returns an empty slice on timeout. At-least-once:
// messages stay in the group's pending list until acked.
func (c *Client) Subscribe(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey(c.instance, stream), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s as %s/%s: %w", stream, group, consumer, err)
	}
	return flattenStreams(streams), nil
}

// ReadOwnPending re-reads this consumer's unacknowledged messages (cursor
// "0"). Called once on startup so work in flight at crash time is replayed.
func (c *Client) ReadOwnPending(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey(c.instance, stream), "0"},
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending on %s: %w", stream, err)
	}
	return flattenStreams(streams), nil
}

// Claim takes over messages another consumer left pending for longer than
// minIdle (the visibility timeout). Returns the claimed messages.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(c.instance, stream),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending on %s: %w", stream, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out, nil
}

// Ack acknowledges a message for a consumer group.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, streamKey(c.instance, stream), group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// Pending lists the unacknowledged entries of a consumer group.
func (c *Client) Pending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	ext, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(c.instance, stream),
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list pending on %s: %w", stream, err)
	}
	out := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		out = append(out, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			RetryCount: p.RetryCount,
		})
	}
	return out, nil
}

// Trim bounds a stream to approximately maxLen entries.
func (c *Client) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := c.rdb.XTrimMaxLenApprox(ctx, streamKey(c.instance, stream), maxLen, 0).Err(); err != nil {
		return fmt.Errorf("failed to trim %s: %w", stream, err)
	}
	return nil
}

// StreamLen returns the number of entries in a stream.
func (c *Client) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, streamKey(c.instance, stream)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", stream, err)
	}
	return n, nil
}

// PublishDLQ acks cannot be undone, so the consumer first publishes the
// failed envelope plus error metadata to dlq:<stream>, then acks the
// original to avoid head-of-line blocking.
func (c *Client) PublishDLQ(ctx context.Context, srcStream, msgID, payload string, procErr error, errorType string, failureCount int) error {
	now := time.Now().UTC()
	env := DLQEnvelope{
		OriginalStream:    srcStream,
		OriginalMessageID: msgID,
		OriginalPayload:   payload,
		ErrorMessage:      procErr.Error(),
		ErrorType:         errorType,
		FailureCount:      failureCount,
		FirstFailureAt:    now,
		LastFailureAt:     now,
	}
	if _, err := c.Publish(ctx, DLQStream(srcStream), env); err != nil {
		return fmt.Errorf("failed to dead-letter %s from %s: %w", msgID, srcStream, err)
	}
	return nil
}

// AckAndDLQ dead-letters the message and then acknowledges it.
func (c *Client) AckAndDLQ(ctx context.Context, stream, group string, msg Message, procErr error, errorType string, failureCount int) error {
	if err := c.PublishDLQ(ctx, stream, msg.ID, msg.Payload, procErr, errorType, failureCount); err != nil {
		return err
	}
	return c.Ack(ctx, stream, group, msg.ID)
}

// IsNotFound returns true if the error is a Redis "key not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

func flattenStreams(streams []redis.XStream) []Message {
	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(m))
		}
	}
	return out
}

func toMessage(m redis.XMessage) Message {
	payload, _ := m.Values["data"].(string)
	return Message{ID: m.ID, Payload: payload}
}
