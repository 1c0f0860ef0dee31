package events

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventValidator_ValidateEvent(t *testing.T) {
	v := NewEventValidator(0, 0)
	now := time.Now()

	tests := []struct {
		name    string
		event   ScoredEvent
		wantErr error
	}{
		{"valid", NewScoredEvent(now, ActivityFileCreated, "File: /tmp/a", 0, nil), nil},
		{"missing timestamp", ScoredEvent{Activity: ActivityFileCreated}, ErrMissingTimestamp},
		{"unknown activity", NewScoredEvent(now, "Disk Wiped", "", 0, nil), ErrUnknownActivity},
		{"negative score", NewScoredEvent(now, ActivityStartUp, "", -0.1, nil), ErrScoreOutOfRange},
		{"score above one", NewScoredEvent(now, ActivityStartUp, "", 1.5, nil), ErrScoreOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := tt.event
			err := v.ValidateEvent(&ev)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestEventValidator_Sanitizes(t *testing.T) {
	v := NewEventValidator(0, 0)
	ev := ScoredEvent{
		Timestamp: NewTimestamp(time.Now()),
		Activity:  ActivityUserActivity,
		Details:   "line1\nline2\x00\t" + strings.Repeat("a", 2000),
	}

	assert.NoError(t, v.ValidateEvent(&ev))
	assert.NotContains(t, ev.Details, "\n")
	assert.NotContains(t, ev.Details, "\x00")
	assert.True(t, strings.HasSuffix(ev.Details, "..."))
	assert.NotNil(t, ev.Alerts)
}

func TestEventValidator_RateLimit(t *testing.T) {
	v := NewEventValidator(1, 2)

	assert.NoError(t, v.Allow("conn-1"))
	assert.NoError(t, v.Allow("conn-1"))
	assert.ErrorIs(t, v.Allow("conn-1"), ErrRateLimited)

	// Sources are limited independently.
	assert.NoError(t, v.Allow("conn-2"))

	v.Forget("conn-1")
	assert.NoError(t, v.Allow("conn-1"))
}

func TestEventValidator_Unlimited(t *testing.T) {
	v := NewEventValidator(0, 0)
	for i := 0; i < 100; i++ {
		assert.NoError(t, v.Allow("src"))
	}
}
