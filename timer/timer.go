// timer/timer.go
package timer

import (
	"container/heap"
	"sync"
	"time"
)

type TimerTask struct {
	Id       int64
	Execute  time.Time
	Interval time.Duration
	Callback func()
	index    int
}

type TimerQueue []*TimerTask

func (q TimerQueue) Len() int { return len(q) }

func (q TimerQueue) Less(i, j int) bool {
	return q[i].Execute.Before(q[j].Execute)
}

func (q TimerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *TimerQueue) Push(x interface{}) {
	n := len(*q)
	task := x.(*TimerTask)
	task.index = n
	*q = append(*q, task)
}

func (q *TimerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	task := old[n-1]
	task.index = -1
	*q = old[0 : n-1]
	return task
}

// TimerManager runs one-shot and periodic callbacks for a room. Callbacks
// run on their own goroutine; a periodic task whose previous run is still
// going is skipped rather than stacked.
type TimerManager struct {
	queue   TimerQueue
	mutex   sync.Mutex
	nextId  int64
	tick    time.Duration
	running map[int64]bool
	done    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

func NewTimerManager() *TimerManager {
	return NewTimerManagerWithTick(100 * time.Millisecond)
}

// NewTimerManagerWithTick sets the scheduling resolution.
func NewTimerManagerWithTick(tick time.Duration) *TimerManager {
	manager := &TimerManager{
		queue:   make(TimerQueue, 0),
		nextId:  1,
		tick:    tick,
		running: make(map[int64]bool),
		done:    make(chan struct{}),
	}
	heap.Init(&manager.queue)
	go manager.process()
	return manager
}

func (m *TimerManager) AddTimer(delay time.Duration, interval time.Duration, callback func()) int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	task := &TimerTask{
		Id:       m.nextId,
		Execute:  time.Now().Add(delay),
		Interval: interval,
		Callback: callback,
	}
	m.nextId++

	heap.Push(&m.queue, task)
	return task.Id
}

func (m *TimerManager) RemoveTimer(timerId int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, task := range m.queue {
		if task.Id == timerId {
			heap.Remove(&m.queue, i)
			break
		}
	}
}

func (m *TimerManager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.queue.Len()
}

// Stop cancels all pending tasks and waits for running callbacks to return.
func (m *TimerManager) Stop() {
	m.stop.Do(func() {
		close(m.done)
		m.mutex.Lock()
		m.queue = m.queue[:0]
		m.mutex.Unlock()
	})
	m.wg.Wait()
}

func (m *TimerManager) process() {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.fireDue(time.Now())
		case <-m.done:
			return
		}
	}
}

func (m *TimerManager) fireDue(now time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	select {
	case <-m.done:
		return
	default:
	}

	for m.queue.Len() > 0 {
		task := m.queue[0]
		if task.Execute.After(now) {
			break
		}

		heap.Pop(&m.queue)
		if task.Interval > 0 {
			task.Execute = now.Add(task.Interval)
			heap.Push(&m.queue, task)
		}

		if m.running[task.Id] {
			continue
		}
		m.running[task.Id] = true
		m.wg.Add(1)
		go func(task *TimerTask) {
			defer func() {
				m.mutex.Lock()
				delete(m.running, task.Id)
				m.mutex.Unlock()
				m.wg.Done()
			}()
			task.Callback()
		}(task)
	}
}
