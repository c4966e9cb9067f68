package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerManager_OneShot(t *testing.T) {
	m := NewTimerManagerWithTick(5 * time.Millisecond)
	defer m.Stop()

	fired := make(chan struct{}, 1)
	m.AddTimer(10*time.Millisecond, 0, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-shot timer did not fire")
	}
	if m.Len() != 0 {
		t.Errorf("Expected empty queue after a one-shot task, got %d", m.Len())
	}
}

func TestTimerManager_PeriodicAndRemove(t *testing.T) {
	m := NewTimerManagerWithTick(5 * time.Millisecond)
	defer m.Stop()

	var count int32
	id := m.AddTimer(0, 10*time.Millisecond, func() { atomic.AddInt32(&count, 1) })

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&count) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&count) < 3 {
		t.Fatalf("Expected periodic task to run at least 3 times, got %d", count)
	}

	m.RemoveTimer(id)
	time.Sleep(20 * time.Millisecond)
	after := atomic.LoadInt32(&count)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != after {
		t.Error("Removed task kept firing")
	}
}

func TestTimerManager_StopWaitsForCallbacks(t *testing.T) {
	m := NewTimerManagerWithTick(5 * time.Millisecond)

	started := make(chan struct{})
	var finished int32
	m.AddTimer(0, 0, func() {
		close(started)
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
	})

	<-started
	m.Stop()
	if atomic.LoadInt32(&finished) != 1 {
		t.Error("Stop returned before the running callback finished")
	}
	m.Stop()
}
