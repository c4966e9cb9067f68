// room/room.go
package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/config"
	"github.com/wfunc/partysync/deduction"
	"github.com/wfunc/partysync/guard"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/monitor"
	"github.com/wfunc/partysync/persistence"
	"github.com/wfunc/partysync/reconcile"
	"github.com/wfunc/partysync/rounds"
	"github.com/wfunc/partysync/services"
	"github.com/wfunc/partysync/timer"
)

// Deps are the process-wide collaborators a room is built from.
type Deps struct {
	Store   persistence.Store
	Channel broadcast.Channel
	Guard   config.GuardConfig
	Sync    config.SyncConfig
	// Monitor may be nil.
	Monitor   *monitor.Monitor
	Snapshots reconcile.SnapshotStore
	Rand      *rand.Rand
	// TimerTick is the resolution of the room's timers; zero means the timer default.
	TimerTick time.Duration
}

// Room 是一个参与者在一个房间里的全部本地状态
type Room struct {
	ID   string
	Self models.Participant

	Sessions     *services.SessionService
	Participants *services.ParticipantService
	Survey       *rounds.Engine[bool]
	Ranking      *rounds.Engine[int]
	Synchro      *rounds.Engine[string]
	Deduction    *deduction.Engine

	reconciler *reconcile.Reconciler
	timers     *timer.TimerManager
	cancel     context.CancelFunc
	closeOnce  sync.Once

	rosterMutex sync.RWMutex
	roster      map[string]models.Participant
}

// Open confirms self against the store and assembles everything the
// participant needs in roomID. Nothing is shared with other rooms.
func Open(ctx context.Context, deps Deps, roomID string, self models.Participant) (*Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room id is empty", models.ErrPrecondition)
	}

	policy := guard.RetryPolicy{Attempts: deps.Guard.RetryAttempts, Backoff: deps.Guard.RetryBackoff}
	if policy.Attempts == 0 {
		policy = guard.DefaultRetryPolicy
	}
	g := guard.New(policy, deps.Monitor)
	pub := broadcast.NewPublisher(deps.Channel, policy, deps.Monitor)
	participants := services.NewParticipantService(deps.Store, pub, deps.Sync.LivenessWindow)

	confirmed, err := participants.Confirm(ctx, self.ID, self.Credential)
	if err != nil {
		return nil, err
	}
	if confirmed.RoomID != roomID {
		return nil, fmt.Errorf("%w: participant %s belongs to room %s", models.ErrMissingIdentity, confirmed.ID, confirmed.RoomID)
	}

	sessions := services.NewSessionService(deps.Store, pub, g)
	engineCfg := rounds.Config{
		RoomID:    roomID,
		Self:      *confirmed,
		Store:     deps.Store,
		Publisher: pub,
		Guard:     g,
		CacheTTL:  deps.Guard.ReadCacheTTL,
	}
	r := &Room{
		ID:           roomID,
		Self:         *confirmed,
		Sessions:     sessions,
		Participants: participants,
		Survey:       rounds.New(rounds.Survey, engineCfg),
		Ranking:      rounds.New(rounds.Ranking, engineCfg),
		Synchro:      rounds.New(rounds.Synchro, engineCfg),
		Deduction: deduction.New(deduction.Config{
			RoomID:    roomID,
			Self:      *confirmed,
			Store:     deps.Store,
			Publisher: pub,
			Guard:     g,
			Sessions:  sessions,
			Rand:      deps.Rand,
		}),
		roster: make(map[string]models.Participant),
	}

	var observer reconcile.Observer
	if deps.Monitor != nil {
		observer = deps.Monitor
	}
	r.reconciler = reconcile.New(reconcile.Config{
		RoomID:        roomID,
		Store:         deps.Store,
		Channel:       deps.Channel,
		Rounds:        []reconcile.RoundEngine{r.Survey, r.Ranking, r.Synchro},
		Deduction:     r.Deduction,
		Snapshots:     deps.Snapshots,
		Observer:      observer,
		OnParticipant: r.applyParticipant,
	})

	if online, err := participants.Online(ctx, roomID); err != nil {
		logger.Log.Warnw("load roster failed", "room", roomID, "error", err)
	} else {
		for _, p := range online {
			r.roster[p.ID] = p
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if err := r.reconciler.Start(runCtx); err != nil {
		cancel()
		return nil, err
	}

	if deps.TimerTick > 0 {
		r.timers = timer.NewTimerManagerWithTick(deps.TimerTick)
	} else {
		r.timers = timer.NewTimerManager()
	}
	if every := deps.Sync.ReconcileInterval; every > 0 {
		r.timers.AddTimer(every, every, r.reconciler.Trigger)
	}
	if every := deps.Sync.HeartbeatInterval; every > 0 {
		r.timers.AddTimer(every, every, func() { r.heartbeat(runCtx, every) })
	}

	logger.Log.Infow("room opened", "room", roomID, "participant", confirmed.ID)
	return r, nil
}

func (r *Room) heartbeat(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := r.Participants.Heartbeat(ctx, r.Self.ID); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.Warnw("heartbeat failed", "room", r.ID, "participant", r.Self.ID, "error", err)
	}
}

func (r *Room) applyParticipant(p broadcast.ParticipantUpdatePayload) {
	if p.Participant.ID == "" || p.Participant.RoomID != r.ID {
		return
	}
	r.rosterMutex.Lock()
	defer r.rosterMutex.Unlock()
	switch p.Action {
	case broadcast.ParticipantJoined:
		r.roster[p.Participant.ID] = p.Participant
	case broadcast.ParticipantLeft:
		delete(r.roster, p.Participant.ID)
	}
}

// Roster returns the participants this client believes are present, by nickname.
func (r *Room) Roster() []models.Participant {
	r.rosterMutex.RLock()
	defer r.rosterMutex.RUnlock()

	out := make([]models.Participant, 0, len(r.roster)+1)
	seenSelf := false
	for _, p := range r.roster {
		if p.ID == r.Self.ID {
			seenSelf = true
		}
		out = append(out, p)
	}
	if !seenSelf {
		out = append(out, r.Self)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out
}

// Sync forces a read of the store of record.
func (r *Room) Sync(ctx context.Context) (*reconcile.View, error) {
	return r.reconciler.Sync(ctx)
}

// LastView returns the most recently applied store view.
func (r *Room) LastView() *reconcile.View {
	return r.reconciler.Last()
}

// Close stops background work and marks the participant offline. The
// room's engines keep their last state but receive no further events.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.timers.Stop()
		r.reconciler.Stop()
		r.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.Participants.Leave(ctx, r.Self.ID); err != nil {
			logger.Log.Warnw("leave failed", "room", r.ID, "participant", r.Self.ID, "error", err)
		}
		logger.Log.Infow("room closed", "room", r.ID, "participant", r.Self.ID)
	})
}

// --- 房间管理器 ---

// ErrAlreadyOpen is returned when a room is opened twice in one process.
var ErrAlreadyOpen = errors.New("room already open")

// Manager 管理本进程打开的房间
type Manager struct {
	deps  Deps
	rooms map[string]*Room
	mutex sync.RWMutex
}

func NewRoomManager(deps Deps) *Manager {
	return &Manager{
		deps:  deps,
		rooms: make(map[string]*Room),
	}
}

func (m *Manager) Open(ctx context.Context, roomID string, self models.Participant) (*Room, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.rooms[roomID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, roomID)
	}
	room, err := Open(ctx, m.deps, roomID, self)
	if err != nil {
		return nil, err
	}
	m.rooms[roomID] = room
	m.deps.Monitor.SetActiveRooms(len(m.rooms))
	return room, nil
}

// GetRoom 从管理器中获取一个房间
func (m *Manager) GetRoom(id string) (*Room, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	room, exists := m.rooms[id]
	return room, exists
}

// RemoveRoom 从管理器中移除并关闭一个房间
func (m *Manager) RemoveRoom(id string) {
	m.mutex.Lock()
	room, exists := m.rooms[id]
	if exists {
		delete(m.rooms, id)
		m.deps.Monitor.SetActiveRooms(len(m.rooms))
	}
	m.mutex.Unlock()

	if exists {
		room.Close()
	}
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms)
}

// CloseAll closes every open room.
func (m *Manager) CloseAll() {
	m.mutex.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.deps.Monitor.SetActiveRooms(0)
	m.mutex.Unlock()

	for _, room := range rooms {
		room.Close()
	}
}
