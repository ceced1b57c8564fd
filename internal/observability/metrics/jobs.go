// Package metrics provides standardised metric emission for the pipeline.
package metrics

import (
	"time"

	obserrors "github.com/workstead/provisioner/internal/observability/errors"
	"github.com/workstead/provisioner/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle transition for emission.
type JobMetric struct {
	JobKind    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_kind":   in.JobKind,
		"transition": in.Transition,
	}
	if in.Result != "" {
		tags["result"] = in.Result
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitRecordOutcome emits one counter per processed batch record.
func EmitRecordOutcome(sink statsd.Sink, jobKind string, success bool, duration time.Duration) {
	if sink == nil {
		return
	}

	result := ResultSuccess
	if !success {
		result = ResultError
	}
	tags := map[string]string{
		"job_kind": jobKind,
		"result":   result,
	}
	sink.Count("record.outcome", 1, tags)
	if duration > 0 {
		sink.Timing("record.duration", duration, CloneTags(tags))
	}
}

// EmitCacheLookup emits resolver cache hit/miss counters for one batch read.
func EmitCacheLookup(sink statsd.Sink, refType string, hits, misses int) {
	if sink == nil {
		return
	}

	tags := map[string]string{"ref_type": refType}
	if hits > 0 {
		sink.Count("resolver.cache_hit", int64(hits), tags)
	}
	if misses > 0 {
		sink.Count("resolver.cache_miss", int64(misses), CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
