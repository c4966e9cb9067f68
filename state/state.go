package state

import (
	"errors"
	"sync"
)

// Phase identifies a state of a game's phase machine.
type Phase string

// 状态机接口
type StateMachine interface {
	ChangeState(to Phase) error
	GetCurrentState() Phase
	AddTransition(from, to Phase, condition func() bool) error
}

// ErrTransitionNotAllowed is returned when a state transition is not allowed.
var ErrTransitionNotAllowed = errors.New("state transition not allowed")

// BaseStateMachine only moves along registered transitions whose condition holds.
type BaseStateMachine struct {
	currentState Phase
	transitions  map[Phase]map[Phase]func() bool // fromState -> toState -> condition
	observers    []func(from, to Phase)
	mutex        sync.RWMutex
}

func NewBaseStateMachine(initial Phase) *BaseStateMachine {
	return &BaseStateMachine{
		currentState: initial,
		transitions:  make(map[Phase]map[Phase]func() bool),
	}
}

func (sm *BaseStateMachine) ChangeState(to Phase) error {
	sm.mutex.Lock()
	from := sm.currentState
	if !sm.allowedLocked(from, to) {
		sm.mutex.Unlock()
		return ErrTransitionNotAllowed
	}
	sm.currentState = to
	observers := sm.observers
	sm.mutex.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}

// Can reports whether ChangeState(to) would currently succeed.
func (sm *BaseStateMachine) Can(to Phase) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.allowedLocked(sm.currentState, to)
}

func (sm *BaseStateMachine) allowedLocked(from, to Phase) bool {
	conditions, exists := sm.transitions[from]
	if !exists {
		return false
	}
	condition, exists := conditions[to]
	if !exists {
		return false
	}
	return condition == nil || condition()
}

// Reset jumps to phase without checking transitions. Reconciliation uses it
// to adopt the phase recorded in the store.
func (sm *BaseStateMachine) Reset(phase Phase) {
	sm.mutex.Lock()
	from := sm.currentState
	sm.currentState = phase
	observers := sm.observers
	sm.mutex.Unlock()

	if from != phase {
		for _, fn := range observers {
			fn(from, phase)
		}
	}
}

func (sm *BaseStateMachine) GetCurrentState() Phase {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

func (sm *BaseStateMachine) AddTransition(from, to Phase, condition func() bool) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if _, exists := sm.transitions[from]; !exists {
		sm.transitions[from] = make(map[Phase]func() bool)
	}
	sm.transitions[from][to] = condition
	return nil
}

// Observe registers fn to run after every phase change, outside the machine's lock.
func (sm *BaseStateMachine) Observe(fn func(from, to Phase)) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.observers = append(sm.observers, fn)
}
