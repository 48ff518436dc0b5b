package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	j := New("emails", json.RawMessage(`{"to":"a@b.c"}`), Options{}, nil)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, "emails", j.QueueName)
	assert.Equal(t, StatusWaiting, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.False(t, j.CreatedAt.IsZero())
	assert.Nil(t, j.ScheduledAt)
	assert.Nil(t, j.Webhook)
}

func TestNewClampsAttempts(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero uses default", 0, 3},
		{"below minimum", -2, 1},
		{"above maximum", 25, 10},
		{"in range", 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := New("q", nil, Options{MaxAttempts: tt.in}, nil)
			assert.Equal(t, tt.want, j.MaxAttempts)
		})
	}
}

func TestNewWithDelay(t *testing.T) {
	j := New("q", nil, Options{DelayMS: 500}, nil)

	require.NotNil(t, j.ScheduledAt)
	assert.Equal(t, StatusDelayed, j.Status)
	assert.WithinDuration(t, time.Now().UTC().Add(500*time.Millisecond), *j.ScheduledAt, 100*time.Millisecond)
}

func TestNewNormalizesWebhook(t *testing.T) {
	j := New("q", nil, Options{}, &WebhookConfig{URL: "https://example.com/hook"})

	require.NotNil(t, j.Webhook)
	assert.Equal(t, "POST", j.Webhook.Method)
	assert.Equal(t, int64(DefaultWebhookTimeoutMS), j.Webhook.TimeoutMS)
	assert.Equal(t, DefaultWebhookRetryAttempts, j.Webhook.RetryAttempts)
}

func TestMarkActive(t *testing.T) {
	j := New("q", nil, Options{}, nil)
	j.MarkActive()

	assert.Equal(t, StatusActive, j.Status)
	require.NotNil(t, j.ProcessedAt)
}

func TestMarkCompleted(t *testing.T) {
	j := New("q", nil, Options{}, nil)
	j.MarkActive()
	j.MarkCompleted(map[string]any{"ok": true})

	assert.Equal(t, StatusCompleted, j.Status)
	assert.NotNil(t, j.CompletedAt)
	assert.Equal(t, 0, j.Attempts)
	assert.True(t, j.Terminal())
}

func TestMarkFailedCountsAttempts(t *testing.T) {
	j := New("q", nil, Options{MaxAttempts: 3}, nil)

	j.MarkFailed("boom")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "boom", j.Error)
	assert.Equal(t, 1, j.Attempts)
	assert.NotNil(t, j.FailedAt)
	assert.True(t, j.CanRetry())
	assert.False(t, j.Terminal())

	j.MarkFailed("boom again")
	j.MarkFailed("final")
	assert.Equal(t, 3, j.Attempts)
	assert.False(t, j.CanRetry())
	assert.True(t, j.Terminal())
}

func TestResetForRetry(t *testing.T) {
	j := New("q", nil, Options{MaxAttempts: 2}, nil)
	j.MarkActive()
	j.MarkFailed("transient")

	require.NoError(t, j.ResetForRetry())
	assert.Equal(t, StatusWaiting, j.Status)
	assert.Empty(t, j.Error)
	assert.Nil(t, j.ProcessedAt)
	assert.Equal(t, 1, j.Attempts)

	// A subsequent failure still counts.
	j.MarkFailed("again")
	assert.Equal(t, 2, j.Attempts)
	assert.ErrorIs(t, j.ResetForRetry(), ErrNotRetryable)
}

func TestResetForRetryRejectsNonFailed(t *testing.T) {
	j := New("q", nil, Options{}, nil)
	assert.ErrorIs(t, j.ResetForRetry(), ErrNotRetryable)
}

func TestMarshalRoundTrip(t *testing.T) {
	j := New("q", json.RawMessage(`{"n":1}`), Options{DelayMS: 100}, &WebhookConfig{URL: "https://example.com"})
	j.MarkFailed("oops")

	data, err := j.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, j.ID, decoded.ID)
	assert.Equal(t, j.Status, decoded.Status)
	assert.Equal(t, j.Attempts, decoded.Attempts)
	assert.Equal(t, j.Error, decoded.Error)
	assert.Equal(t, j.Webhook.URL, decoded.Webhook.URL)
	assert.True(t, j.CreatedAt.Equal(decoded.CreatedAt))
}
