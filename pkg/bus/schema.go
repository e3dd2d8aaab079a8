package bus

import "fmt"

// Redis key and stream name helpers
//
// All keys are namespaced by instance name so multiple GrantRadar instances
// can safely coexist on a single Redis server.
//
// Key pattern: gr:{instance}:{entity}[:{id}]
// Stream names themselves are fixed by the pipeline contract and are NOT
// namespaced inside the stream name; they are prefixed like any other key.

// Pipeline streams. These names are part of the wire contract.
const (
	StreamDiscovered = "grants:discovered"
	StreamValidated  = "grants:validated"
	StreamComputed   = "matches:computed"
	StreamAlertsSent = "alerts:sent"
)

// Consumer groups. These names are part of the wire contract.
const (
	GroupCuration = "curation_validators"
	GroupMatching = "matching_engine"
	GroupAlerter  = "alerter"
)

// DLQStream returns the dead-letter stream for a source stream.
func DLQStream(stream string) string {
	return "dlq:" + stream
}

// streamKey returns the namespaced Redis key for a stream.
func streamKey(instance, stream string) string {
	return fmt.Sprintf("gr:%s:%s", instance, stream)
}

// SeenSetKey returns the key of the per-source dedup set.
// Pattern: gr:{instance}:grants:seen:{source}
func SeenSetKey(instance, source string) string {
	return fmt.Sprintf("gr:%s:grants:seen:%s", instance, source)
}

// RecentValidatedKey returns the key of the bounded recent-validated list.
// Pattern: gr:{instance}:grants:validated:recent
func RecentValidatedKey(instance string) string {
	return fmt.Sprintf("gr:%s:grants:validated:recent", instance)
}

// DigestPendingKey returns the key of a user's pending-digest list for a day.
// Pattern: gr:{instance}:digest:pending:{user}:{yyyy-mm-dd}
func DigestPendingKey(instance, userID, day string) string {
	return fmt.Sprintf("gr:%s:digest:pending:%s:%s", instance, userID, day)
}

// PipelineStateKey returns the key of a grant's pipeline-state record.
// Pattern: gr:{instance}:pipeline:state:{grant_id}
func PipelineStateKey(instance, grantID string) string {
	return fmt.Sprintf("gr:%s:pipeline:state:%s", instance, grantID)
}

// HeartbeatKey returns the key an agent touches on each completed task.
// Pattern: gr:{instance}:heartbeat:{agent}
func HeartbeatKey(instance, agent string) string {
	return fmt.Sprintf("gr:%s:heartbeat:%s", instance, agent)
}

// LastCheckKey returns the key holding a discovery source's last check time.
// Pattern: gr:{instance}:discovery:last_check:{source}
func LastCheckKey(instance, source string) string {
	return fmt.Sprintf("gr:%s:discovery:last_check:%s", instance, source)
}

// ContentHashKey returns the key holding a watcher's last page content hash.
// Pattern: gr:{instance}:discovery:content_hash:{source}
func ContentHashKey(instance, source string) string {
	return fmt.Sprintf("gr:%s:discovery:content_hash:%s", instance, source)
}

// ManualReviewKey returns the key of the manual-review list.
// Pattern: gr:{instance}:curation:manual_review
func ManualReviewKey(instance string) string {
	return fmt.Sprintf("gr:%s:curation:manual_review", instance)
}

// MetricCounterKey returns the key of an hourly counter bucket.
// Pattern: gr:{instance}:metrics:counter:{name}:{yyyy-mm-dd-hh}
func MetricCounterKey(instance, name, hourBucket string) string {
	return fmt.Sprintf("gr:%s:metrics:counter:%s:%s", instance, name, hourBucket)
}

// MetricLatencyKey returns the key of a latency sample zset.
// Pattern: gr:{instance}:metrics:latency:{name}
func MetricLatencyKey(instance, name string) string {
	return fmt.Sprintf("gr:%s:metrics:latency:%s", instance, name)
}

// BreakerSummaryKey returns the key mirroring a circuit breaker's state.
// Pattern: gr:{instance}:breaker:{service}
func BreakerSummaryKey(instance, service string) string {
	return fmt.Sprintf("gr:%s:breaker:%s", instance, service)
}
