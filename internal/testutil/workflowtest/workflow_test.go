package workflowtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/workstead/provisioner/internal/domain/model"
)

// TestEventRecorder tests the lifecycle event capture utility.
func TestEventRecorder(t *testing.T) {
	rec := &EventRecorder{}
	ctx := context.Background()

	rec.Publish(ctx, model.Event{Kind: model.EventQueued, JobID: "job-1"})
	rec.Publish(ctx, model.Event{Kind: model.EventActive, JobID: "job-1"})
	rec.Publish(ctx, model.Event{Kind: model.EventProgress, JobID: "job-1", Percent: 50})
	rec.Publish(ctx, model.Event{Kind: model.EventProgress, JobID: "job-1", Percent: 100})

	assert.Len(t, rec.Events(), 4)
	assert.Equal(t, []model.EventKind{
		model.EventQueued, model.EventActive, model.EventProgress, model.EventProgress,
	}, rec.Kinds())

	last, ok := rec.Last(model.EventProgress)
	assert.True(t, ok)
	assert.InDelta(t, 100, last.Percent, 0.001)

	_, ok = rec.Last(model.EventFailed)
	assert.False(t, ok)

	rec.Reset()
	assert.Empty(t, rec.Events())
}

// TestWorkflowTestOptions tests the option builders.
func TestWorkflowTestOptions(t *testing.T) {
	// Test default options
	opts := DefaultWorkflowOptions()
	assert.False(t, opts.EnableRedis)
	assert.Equal(t, 30*time.Second, opts.TaskLease)

	// Test Redis options
	redisOpts := RedisWorkflowOptions()
	assert.True(t, redisOpts.EnableRedis)
	assert.Equal(t, 30*time.Second, redisOpts.TaskLease)
}
