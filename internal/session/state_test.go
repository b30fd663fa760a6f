package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStatusMarshalJSON(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{Idle, `"idle"`},
		{Active, `"active"`},
		{Paused, `"paused"`},
		{Completed, `"completed"`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.status)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, string(data))
	}
}

func TestStatusUnmarshalJSON(t *testing.T) {
	tests := []struct {
		input    string
		expected Status
	}{
		{`"active"`, Active},
		{`"paused"`, Paused},
		{`"completed"`, Completed},
	}

	for _, tt := range tests {
		var s Status
		require.NoError(t, json.Unmarshal([]byte(tt.input), &s))
		assert.Equal(t, tt.expected, s, tt.input)
	}
}

func TestReconcileOnlyWhileActive(t *testing.T) {
	s := &Session{Status: Active, StartTime: t0, LastUpdateTime: t0}

	s.reconcile(t0.Add(5 * time.Second))
	require.Equal(t, 5.0, s.ElapsedTime)

	s.pause(t0.Add(7 * time.Second))
	require.Equal(t, 7.0, s.ElapsedTime)

	s.reconcile(t0.Add(60 * time.Second))
	assert.Equal(t, 7.0, s.ElapsedTime, "paused session advanced")
}

func TestReconcileIgnoresClockGoingBackwards(t *testing.T) {
	s := &Session{Status: Active, LastUpdateTime: t0, ElapsedTime: 10}
	s.reconcile(t0.Add(-3 * time.Second))
	assert.Equal(t, 10.0, s.ElapsedTime, "elapsed is never decremented")
}

func TestResumeAccumulatesPausedTime(t *testing.T) {
	s := &Session{Status: Active, LastUpdateTime: t0}
	s.pause(t0.Add(5 * time.Second))
	s.resume(t0.Add(8 * time.Second))

	require.Equal(t, Active, s.Status)
	assert.Nil(t, s.PausedAt)
	assert.Equal(t, 3.0, s.TotalPausedTime)
	assert.True(t, s.LastUpdateTime.Equal(t0.Add(8*time.Second)), "LastUpdateTime = %v, want resume instant", s.LastUpdateTime)
}

func TestComplete(t *testing.T) {
	t.Run("active", func(t *testing.T) {
		s := &Session{Status: Active, LastUpdateTime: t0, ElapsedTime: 2}
		c := s.Complete(t0.Add(4 * time.Second))
		assert.Equal(t, Completed, c.Status)
		assert.Equal(t, 6.0, c.ElapsedTime)
		assert.Equal(t, Active, s.Status, "Complete modified the original session")
		assert.Equal(t, 2.0, s.ElapsedTime)
	})

	t.Run("paused", func(t *testing.T) {
		pausedAt := t0.Add(10 * time.Second)
		s := &Session{Status: Paused, ElapsedTime: 10, PausedAt: &pausedAt, TotalPausedTime: 1}
		c := s.Complete(t0.Add(15 * time.Second))
		assert.Equal(t, 10.0, c.ElapsedTime)
		assert.Equal(t, 6.0, c.TotalPausedTime)
		assert.Nil(t, c.PausedAt)
	})
}

func TestElapsedAtIsReadOnly(t *testing.T) {
	s := &Session{Status: Active, LastUpdateTime: t0, ElapsedTime: 1}
	assert.Equal(t, 3.0, s.ElapsedAt(t0.Add(2*time.Second)))
	assert.Equal(t, 1.0, s.ElapsedTime, "ElapsedAt mutated the session")
	assert.True(t, s.LastUpdateTime.Equal(t0))
}

func TestCloneDeepCopiesPausedAt(t *testing.T) {
	p := t0
	s := &Session{UserID: "u1", PausedAt: &p}
	c := s.Clone()
	*c.PausedAt = t0.Add(time.Hour)
	assert.True(t, s.PausedAt.Equal(t0), "Clone shares PausedAt with the original")
}

func TestLockTokenNotLostInJSON(t *testing.T) {
	s := &Session{UserID: "u1", Status: Paused, LockToken: "abc@1"}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Session
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "abc@1", decoded.LockToken)
	assert.Equal(t, Paused, decoded.Status)
}
