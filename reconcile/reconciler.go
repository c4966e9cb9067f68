package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence"
)

const (
	SourceStore    = "store"
	SourceSnapshot = "snapshot"
)

type RoundEngine interface {
	GameType() models.GameType
	Topic() string
	HandleEvent(ctx context.Context, ev broadcast.Event) error
	Restore(sessionID string, row *models.Round, answers []models.Answer)
}

type DeductionEngine interface {
	Topic() string
	HandleEvent(ctx context.Context, ev broadcast.Event) error
	Restore(session *models.GameSession, assignments []models.Assignment, votes []models.Vote)
}

type Observer interface {
	ObserveReconcile(source string, d time.Duration)
	IncEventsReceived(event string)
}

type Config struct {
	RoomID    string
	Store     persistence.Store
	Channel   broadcast.Channel
	Rounds    []RoundEngine
	Deduction DeductionEngine
	// Snapshots is optional; without it a failed store read is an error.
	Snapshots SnapshotStore
	Observer  Observer
	// OnParticipant receives participant_update events from the room topic.
	OnParticipant func(broadcast.ParticipantUpdatePayload)
}

// Reconciler rebuilds local engine state from the store of record and
// routes live events to the engines in between.
type Reconciler struct {
	cfg Config

	syncMu sync.Mutex

	mu      sync.Mutex
	last    *View
	subs    []broadcast.Subscription
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func New(cfg Config) *Reconciler {
	return &Reconciler{
		cfg:  cfg,
		kick: make(chan struct{}, 1),
	}
}

// Sync reads the room's state from the store and restores every engine.
// When the store is unreachable the last snapshot is used instead and the
// returned view is marked stale.
func (r *Reconciler) Sync(ctx context.Context) (*View, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	start := time.Now()
	source := SourceStore
	view, err := r.read(ctx)
	if err != nil {
		if r.cfg.Snapshots == nil {
			return nil, fmt.Errorf("reconcile %s: %w", r.cfg.RoomID, err)
		}
		snap, serr := r.cfg.Snapshots.Load(r.cfg.RoomID)
		if serr != nil {
			return nil, fmt.Errorf("reconcile %s: %w", r.cfg.RoomID, err)
		}
		logger.Log.Warnw("store unreachable, using snapshot", "room", r.cfg.RoomID, "fetchedAt", snap.FetchedAt, "error", err)
		snap.Stale = true
		view, source = snap, SourceSnapshot
	}

	r.apply(view)

	if source == SourceStore && r.cfg.Snapshots != nil {
		if err := r.cfg.Snapshots.Save(r.cfg.RoomID, *view); err != nil {
			logger.Log.Warnw("save snapshot failed", "room", r.cfg.RoomID, "error", err)
		}
	}
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveReconcile(source, time.Since(start))
	}

	r.mu.Lock()
	r.last = view
	r.mu.Unlock()
	return view, nil
}

// Last returns the view applied by the most recent successful Sync.
func (r *Reconciler) Last() *View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reconciler) read(ctx context.Context) (*View, error) {
	view := &View{FetchedAt: time.Now()}

	session, err := r.cfg.Store.GetActiveSession(ctx, r.cfg.RoomID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	view.Session = session

	if session.GameType == models.GameDeduction {
		if view.Assignments, err = r.cfg.Store.ListAssignments(ctx, session.ID); err != nil {
			return nil, err
		}
		round := session.VoteRound
		if round == 0 {
			round = 1
		}
		if view.Votes, err = r.cfg.Store.ListVotes(ctx, session.ID, round); err != nil {
			return nil, err
		}
		guess, err := r.cfg.Store.GetGuess(ctx, session.ID)
		switch {
		case err == nil:
			view.Guess = guess
		case !errors.Is(err, persistence.ErrRecordNotFound):
			return nil, err
		}
		return view, nil
	}

	round, err := r.cfg.Store.GetActiveRound(ctx, session.ID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	view.Round = round
	if view.Answers, err = r.cfg.Store.ListAnswers(ctx, round.ID); err != nil {
		return nil, err
	}
	return view, nil
}

func (r *Reconciler) apply(v *View) {
	for _, e := range r.cfg.Rounds {
		if v.Session != nil && v.Session.GameType == e.GameType() {
			e.Restore(v.Session.ID, v.Round, v.Answers)
		} else {
			e.Restore("", nil, nil)
		}
	}
	if r.cfg.Deduction != nil {
		r.cfg.Deduction.Restore(v.Session, v.Assignments, v.Votes)
	}
}

// Start syncs once, then subscribes to the room and game topics. Events
// announcing a session start or end schedule another Sync.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(ctx, r.stop, r.done)
	r.mu.Unlock()

	if _, err := r.Sync(ctx); err != nil {
		// Live events still flow; the next periodic Sync retries.
		logger.Log.Warnw("initial reconcile failed", "room", r.cfg.RoomID, "error", err)
	}

	if err := r.subscribe(broadcast.RoomTopic(r.cfg.RoomID), r.handleRoomEvent); err != nil {
		r.Stop()
		return err
	}
	for _, e := range r.cfg.Rounds {
		if err := r.subscribe(e.Topic(), r.route(e.HandleEvent)); err != nil {
			r.Stop()
			return err
		}
	}
	if r.cfg.Deduction != nil {
		if err := r.subscribe(r.cfg.Deduction.Topic(), r.route(r.cfg.Deduction.HandleEvent)); err != nil {
			r.Stop()
			return err
		}
	}
	return nil
}

func (r *Reconciler) subscribe(topic string, h broadcast.Handler) error {
	sub, err := r.cfg.Channel.Subscribe(topic, h)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) route(handle func(context.Context, broadcast.Event) error) broadcast.Handler {
	return func(ev broadcast.Event) {
		r.received(ev)
		if err := handle(context.Background(), ev); err != nil {
			logger.Log.Warnw("event dropped", "room", r.cfg.RoomID, "event", ev.Name, "sender", ev.Sender, "error", err)
		}
	}
}

func (r *Reconciler) received(ev broadcast.Event) {
	if r.cfg.Observer != nil {
		r.cfg.Observer.IncEventsReceived(ev.Name)
	}
}

func (r *Reconciler) handleRoomEvent(ev broadcast.Event) {
	r.received(ev)
	switch ev.Name {
	case broadcast.EventGameStart, broadcast.EventGameEnd:
		r.Trigger()
	case broadcast.EventParticipantUpdate:
		if r.cfg.OnParticipant == nil {
			return
		}
		var p broadcast.ParticipantUpdatePayload
		if err := ev.Decode(&p); err != nil {
			logger.Log.Warnw("bad participant update", "room", r.cfg.RoomID, "error", err)
			return
		}
		r.cfg.OnParticipant(p)
	}
}

// Trigger schedules a Sync on the background loop. Triggers that arrive
// while one is pending are merged.
func (r *Reconciler) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Reconciler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-r.kick:
			if _, err := r.Sync(ctx); err != nil {
				logger.Log.Warnw("reconcile failed", "room", r.cfg.RoomID, "error", err)
			}
		}
	}
}

// Stop unsubscribes from every topic and waits for the background loop.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	subs := r.subs
	r.subs = nil
	stop, done := r.stop, r.done
	r.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Log.Warnw("reconcile loop did not stop", "room", r.cfg.RoomID)
	}
}
