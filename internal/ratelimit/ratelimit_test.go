package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygrid/internal/domain"
)

func TestLimiter_AdmitsUpToMax(t *testing.T) {
	l := New(3)
	for i := 0; i < 3; i++ {
		assert.NoError(t, l.Check("ws-1", "svc-a"))
	}
	err := l.Check("ws-1", "svc-a")
	require.Error(t, err)
	assert.Equal(t, domain.CodeRateLimitExceeded, domain.ErrorCode(err))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(1)
	require.NoError(t, l.Check("ws-1", "svc-a"))
	assert.Error(t, l.Check("ws-1", "svc-a"))

	assert.NoError(t, l.Check("ws-1", "svc-b"), "different actor, own window")
	assert.NoError(t, l.Check("ws-2", "svc-a"), "different workspace, own window")
}

func TestLimiter_WindowSlides(t *testing.T) {
	l := New(2)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.SetClock(func() time.Time { return now })

	require.NoError(t, l.Check("ws-1", "svc-a"))
	now = base.Add(30 * time.Second)
	require.NoError(t, l.Check("ws-1", "svc-a"))
	assert.Error(t, l.Check("ws-1", "svc-a"))

	// The first admission falls out of the window; one slot frees up.
	now = base.Add(61 * time.Second)
	assert.NoError(t, l.Check("ws-1", "svc-a"))
	assert.Error(t, l.Check("ws-1", "svc-a"), "the 30s admission still occupies the window")
}

func TestLimiter_RejectionsDoNotConsumeSlots(t *testing.T) {
	l := New(1)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.SetClock(func() time.Time { return now })

	require.NoError(t, l.Check("ws-1", "svc-a"))
	for i := 0; i < 5; i++ {
		assert.Error(t, l.Check("ws-1", "svc-a"))
	}

	now = base.Add(61 * time.Second)
	assert.NoError(t, l.Check("ws-1", "svc-a"), "rejected attempts never extend the window")
}
