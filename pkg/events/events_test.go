package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("fills id, timestamp, and payload", func(t *testing.T) {
		env, err := NewEnvelope("deployment.started", "patchplane-deployer", "dep-123", map[string]any{
			"strategy": "rolling",
			"assets":   4,
		})
		require.NoError(t, err)

		assert.Equal(t, "deployment.started", env.EventType)
		assert.NotEqual(t, uuid.Nil, env.EventID)
		assert.Equal(t, "patchplane-deployer", env.Source)
		assert.Equal(t, "dep-123", env.CorrelationID)

		ts, err := time.Parse(time.RFC3339, env.Timestamp)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)

		var data map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "rolling", data["strategy"])
	})

	t.Run("nil data leaves the payload empty", func(t *testing.T) {
		env, err := NewEnvelope("rollback.started", "patchplane-deployer", "", nil)
		require.NoError(t, err)
		assert.Nil(t, env.Data)

		b, err := json.Marshal(env)
		require.NoError(t, err)
		assert.NotContains(t, string(b), `"data"`)
		assert.NotContains(t, string(b), `"correlation_id"`)
	})

	t.Run("unmarshalable data errors", func(t *testing.T) {
		_, err := NewEnvelope("deployment.failed", "patchplane-deployer", "", func() {})
		assert.Error(t, err)
	})
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}

	env, err := NewEnvelope("deployment.succeeded", "patchplane-deployer", "dep-456", nil)
	require.NoError(t, err)

	assert.NoError(t, p.Publish(context.Background(), "deployment.events", env))
	assert.NoError(t, p.Close())
}
