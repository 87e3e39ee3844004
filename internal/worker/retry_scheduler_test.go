package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerScheduler_Fires(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule(10*time.Millisecond, func() { fired.Add(1) })
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestTimerScheduler_Cancel(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	var fired atomic.Int32
	cancel := s.Schedule(50*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, cancel())
	assert.False(t, cancel(), "second cancel is a no-op")
	assert.Equal(t, 0, s.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestTimerScheduler_Stop(t *testing.T) {
	s := NewTimerScheduler()

	var fired atomic.Int32
	s.Schedule(50*time.Millisecond, func() { fired.Add(1) })
	s.Schedule(50*time.Millisecond, func() { fired.Add(1) })
	assert.Equal(t, 2, s.Pending())

	s.Stop()
	assert.Equal(t, 0, s.Pending())

	cancel := s.Schedule(time.Millisecond, func() { fired.Add(1) })
	assert.False(t, cancel())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fired.Load())
}
