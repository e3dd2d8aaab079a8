package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantradar/grantradar/pkg/model"
)

// Ephemeral cross-consumer state. These are the only mutable structures
// shared between consumers, and every operation here is append-or-trim only.

// SeenSetTTL bounds how long a dedup hash short-circuits republication.
const SeenSetTTL = 30 * 24 * time.Hour

// RecentValidatedMax bounds the recent-validated list used by duplicate
// detection in curation.
const RecentValidatedMax = 1000

// MarkSeen records a dedup hash in the per-source seen set and refreshes the
// 30-day TTL on the set.
func (c *Client) MarkSeen(ctx context.Context, source, dedupKey string) error {
	key := SeenSetKey(c.instance, source)
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, key, dedupKey)
	pipe.Expire(ctx, key, SeenSetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark seen for %s: %w", source, err)
	}
	return nil
}

// IsSeen reports whether a dedup hash is already in the per-source seen set.
func (c *Client) IsSeen(ctx context.Context, source, dedupKey string) (bool, error) {
	seen, err := c.rdb.SIsMember(ctx, SeenSetKey(c.instance, source), dedupKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check seen set for %s: %w", source, err)
	}
	return seen, nil
}

// PushRecentValidated prepends a validated grant to the bounded recent list
// and trims it to RecentValidatedMax.
func (c *Client) PushRecentValidated(ctx context.Context, g *model.ValidatedGrant) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal validated grant: %w", err)
	}
	key := RecentValidatedKey(c.instance)
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, RecentValidatedMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push recent validated grant: %w", err)
	}
	return nil
}

// RecentValidated returns up to limit recent validated grants, newest first.
// Entries that fail to parse are skipped.
func (c *Client) RecentValidated(ctx context.Context, limit int64) ([]model.ValidatedGrant, error) {
	raw, err := c.rdb.LRange(ctx, RecentValidatedKey(c.instance), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent validated grants: %w", err)
	}
	out := make([]model.ValidatedGrant, 0, len(raw))
	for _, item := range raw {
		var g model.ValidatedGrant
		if err := json.Unmarshal([]byte(item), &g); err != nil {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// PushDigestItem prepends an alert payload to the user's pending-digest list
// for the given day and sets the expiry to end of day + 1h.
func (c *Client) PushDigestItem(ctx context.Context, userID string, day time.Time, item any) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal digest item: %w", err)
	}
	key := DigestPendingKey(c.instance, userID, day.UTC().Format("2006-01-02"))
	endOfDay := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 23, 59, 59, 0, time.UTC)
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.ExpireAt(ctx, key, endOfDay.Add(time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push digest item for %s: %w", userID, err)
	}
	return nil
}

// DigestItems returns the raw pending-digest payloads for a user and day.
func (c *Client) DigestItems(ctx context.Context, userID string, day time.Time) ([]string, error) {
	key := DigestPendingKey(c.instance, userID, day.UTC().Format("2006-01-02"))
	items, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read digest items for %s: %w", userID, err)
	}
	return items, nil
}

// DigestLen returns the number of pending digest items for a user and day.
func (c *Client) DigestLen(ctx context.Context, userID string, day time.Time) (int64, error) {
	key := DigestPendingKey(c.instance, userID, day.UTC().Format("2006-01-02"))
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count digest items for %s: %w", userID, err)
	}
	return n, nil
}

// DeleteDigest removes a user's pending-digest list after the digest email
// is sent.
func (c *Client) DeleteDigest(ctx context.Context, userID string, day time.Time) error {
	key := DigestPendingKey(c.instance, userID, day.UTC().Format("2006-01-02"))
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete digest list for %s: %w", userID, err)
	}
	return nil
}

// DigestUsers scans for users with a pending-digest list for the given day.
func (c *Client) DigestUsers(ctx context.Context, day time.Time) ([]string, error) {
	pattern := DigestPendingKey(c.instance, "*", day.UTC().Format("2006-01-02"))
	var users []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	prefix := fmt.Sprintf("gr:%s:digest:pending:", c.instance)
	suffix := ":" + day.UTC().Format("2006-01-02")
	for iter.Next(ctx) {
		key := iter.Val()
		user := key[len(prefix) : len(key)-len(suffix)]
		users = append(users, user)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan digest lists: %w", err)
	}
	return users, nil
}

// Heartbeat records that an agent completed a task just now.
func (c *Client) Heartbeat(ctx context.Context, agent string) error {
	key := HeartbeatKey(c.instance, agent)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := c.rdb.Set(ctx, key, now, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", agent, err)
	}
	return nil
}

// LastHeartbeat returns the last heartbeat time for an agent.
// Returns redis.Nil (see IsNotFound) when the agent has never reported.
func (c *Client) LastHeartbeat(ctx context.Context, agent string) (time.Time, error) {
	val, err := c.rdb.Get(ctx, HeartbeatKey(c.instance, agent)).Result()
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse heartbeat for %s: %w", agent, err)
	}
	return ts, nil
}

// SavePipelineState writes a pipeline-state record with the given TTL.
func (c *Client) SavePipelineState(ctx context.Context, state *model.PipelineState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline state: %w", err)
	}
	key := PipelineStateKey(c.instance, state.GrantID)
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pipeline state for %s: %w", state.GrantID, err)
	}
	return nil
}

// GetPipelineState retrieves a grant's pipeline state.
// Returns redis.Nil (see IsNotFound) when no record exists.
func (c *Client) GetPipelineState(ctx context.Context, grantID string) (*model.PipelineState, error) {
	val, err := c.rdb.Get(ctx, PipelineStateKey(c.instance, grantID)).Result()
	if err != nil {
		return nil, err
	}
	var state model.PipelineState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline state for %s: %w", grantID, err)
	}
	return &state, nil
}

// ListPipelineStates returns all in-flight pipeline states for the instance.
func (c *Client) ListPipelineStates(ctx context.Context) ([]*model.PipelineState, error) {
	pattern := PipelineStateKey(c.instance, "*")
	var states []*model.PipelineState
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		val, err := c.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("failed to read pipeline state %s: %w", iter.Val(), err)
		}
		var state model.PipelineState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		states = append(states, &state)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan pipeline states: %w", err)
	}
	return states, nil
}

// SetLastCheck stores a discovery source's last successful check time.
func (c *Client) SetLastCheck(ctx context.Context, source string, ts time.Time) error {
	key := LastCheckKey(c.instance, source)
	if err := c.rdb.Set(ctx, key, ts.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last check for %s: %w", source, err)
	}
	return nil
}

// LastCheck returns a discovery source's last successful check time, or the
// zero time when the source has never run.
func (c *Client) LastCheck(ctx context.Context, source string) (time.Time, error) {
	val, err := c.rdb.Get(ctx, LastCheckKey(c.instance, source)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last check for %s: %w", source, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last check for %s: %w", source, err)
	}
	return ts, nil
}

// SetContentHash stores a page watcher's last filtered-content hash.
func (c *Client) SetContentHash(ctx context.Context, source, hash string) error {
	if err := c.rdb.Set(ctx, ContentHashKey(c.instance, source), hash, 0).Err(); err != nil {
		return fmt.Errorf("failed to set content hash for %s: %w", source, err)
	}
	return nil
}

// ContentHash returns a page watcher's last filtered-content hash, or ""
// when none is recorded.
func (c *Client) ContentHash(ctx context.Context, source string) (string, error) {
	val, err := c.rdb.Get(ctx, ContentHashKey(c.instance, source)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get content hash for %s: %w", source, err)
	}
	return val, nil
}

// AppendManualReview appends an item to the manual-review list.
func (c *Client) AppendManualReview(ctx context.Context, item *model.ManualReviewItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal manual review item: %w", err)
	}
	if err := c.rdb.RPush(ctx, ManualReviewKey(c.instance), payload).Err(); err != nil {
		return fmt.Errorf("failed to append manual review item: %w", err)
	}
	return nil
}

// ManualReviewItems returns up to limit manual-review items, oldest first.
func (c *Client) ManualReviewItems(ctx context.Context, limit int64) ([]model.ManualReviewItem, error) {
	raw, err := c.rdb.LRange(ctx, ManualReviewKey(c.instance), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read manual review items: %w", err)
	}
	out := make([]model.ManualReviewItem, 0, len(raw))
	for _, item := range raw {
		var m model.ManualReviewItem
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// MirrorBreakerState writes a circuit breaker's summary for dashboards.
func (c *Client) MirrorBreakerState(ctx context.Context, service string, summary any) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker summary: %w", err)
	}
	key := BreakerSummaryKey(c.instance, service)
	if err := c.rdb.Set(ctx, key, payload, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to mirror breaker state for %s: %w", service, err)
	}
	return nil
}
