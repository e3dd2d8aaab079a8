package bus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Low-level metric primitives. Counters live in hourly buckets; latency
// samples live in zsets scored by the sample value so percentile queries are
// a rank lookup. TTL policy is owned by the metrics collector.

// HourBucket formats a time into the hourly bucket suffix used by counters.
func HourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

// IncrCounter increments the hourly counter bucket for name and applies ttl
// when the bucket is new.
func (c *Client) IncrCounter(ctx context.Context, name string, t time.Time, ttl time.Duration) error {
	key := MetricCounterKey(c.instance, name, HourBucket(t))
	pipe := c.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, 1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return nil
}

// CounterTotal sums the counter across the last window hours.
func (c *Client) CounterTotal(ctx context.Context, name string, now time.Time, window int) (int64, error) {
	var total int64
	for i := 0; i < window; i++ {
		key := MetricCounterKey(c.instance, name, HourBucket(now.Add(-time.Duration(i)*time.Hour)))
		val, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return 0, fmt.Errorf("failed to read counter %s: %w", name, err)
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

// RecordLatency appends one latency sample (seconds) for name. The member is
// made unique with the sample timestamp so identical values are retained.
func (c *Client) RecordLatency(ctx context.Context, name string, seconds float64, ttl time.Duration) error {
	key := MetricLatencyKey(c.instance, name)
	member := fmt.Sprintf("%d:%f", time.Now().UnixNano(), seconds)
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: seconds, Member: member})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record latency %s: %w", name, err)
	}
	return nil
}

// LatencyPercentile computes the p-th percentile (0..1) of the latency
// samples for name. Returns 0 when no samples exist.
func (c *Client) LatencyPercentile(ctx context.Context, name string, p float64) (float64, error) {
	key := MetricLatencyKey(c.instance, name)
	count, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count latency samples %s: %w", name, err)
	}
	if count == 0 {
		return 0, nil
	}
	rank := int64(p*float64(count)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= count {
		rank = count - 1
	}
	vals, err := c.rdb.ZRangeWithScores(ctx, key, rank, rank).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read latency percentile %s: %w", name, err)
	}
	if len(vals) == 0 {
		return 0, nil
	}
	return vals[0].Score, nil
}

// TrimLatencies drops samples recorded before cutoff, using the nanosecond
// timestamp embedded in each member. The key TTL handles idle cleanup; this
// bounds memory on hot metrics.
func (c *Client) TrimLatencies(ctx context.Context, name string, cutoff time.Time) error {
	key := MetricLatencyKey(c.instance, name)
	var stale []any
	iter := c.rdb.ZScan(ctx, key, 0, "", 500).Iterator()
	// ZScan yields member, score alternating; members carry the timestamp.
	odd := false
	for iter.Next(ctx) {
		val := iter.Val()
		odd = !odd
		if !odd {
			continue // score element
		}
		var ns int64
		if _, err := fmt.Sscanf(val, "%d:", &ns); err != nil {
			continue
		}
		if time.Unix(0, ns).Before(cutoff) {
			stale = append(stale, val)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan latency samples %s: %w", name, err)
	}
	if len(stale) == 0 {
		return nil
	}
	if err := c.rdb.ZRem(ctx, key, stale...).Err(); err != nil {
		return fmt.Errorf("failed to trim latency samples %s: %w", name, err)
	}
	return nil
}
