package rounds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/guard"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence"
	"github.com/wfunc/partysync/state"
	"gorm.io/datatypes"
)

const (
	AwaitingInitiator state.Phase = "awaiting_initiator"
	InitiatorChosen   state.Phase = "initiator_chosen"
	Collecting        state.Phase = "collecting"
	Revealed          state.Phase = "revealed"
)

type Config struct {
	RoomID    string
	Self      models.Participant
	Store     persistence.Store
	Publisher *broadcast.Publisher
	Guard     *guard.Guard
	// CacheTTL bounds how long an answer set read is reused.
	CacheTTL time.Duration
}

type Round struct {
	ID            string `json:"id"`
	Prompt        string `json:"prompt"`
	InitiatorID   string `json:"initiatorId"`
	InitiatorName string `json:"initiatorName"`
}

type View[T comparable] struct {
	Phase         state.Phase
	SessionID     string
	InitiatorID   string
	InitiatorName string
	Round         *Round
	AnsweredCount int
	HasAnswered   bool
	MyAnswer      *T
	Outcome       *Outcome[T]
}

// Engine is one client's view of a prompt/answer game. Local actions are
// written to the store before they are announced; events from peers are
// applied optimistically and are safe to replay. The mutex is never held
// across store or broadcast calls.
type Engine[T comparable] struct {
	spec  Spec[T]
	cfg   Config
	topic string
	cache *guard.ReadCache[[]Answer[T]]
	sm    *state.BaseStateMachine
	now   func() time.Time

	mu            sync.Mutex
	sessionID     string
	initiatorID   string
	initiatorName string
	round         *Round
	answered      map[string]struct{}
	myAnswer      *T
	outcome       *Outcome[T]
	closed        map[string]struct{}
}

func New[T comparable](spec Spec[T], cfg Config) *Engine[T] {
	sm := state.NewBaseStateMachine(AwaitingInitiator)
	sm.AddTransition(AwaitingInitiator, InitiatorChosen, nil)
	sm.AddTransition(InitiatorChosen, InitiatorChosen, nil)
	sm.AddTransition(AwaitingInitiator, Collecting, nil)
	sm.AddTransition(InitiatorChosen, Collecting, nil)
	sm.AddTransition(Collecting, Revealed, nil)
	sm.AddTransition(Revealed, AwaitingInitiator, nil)

	return &Engine[T]{
		spec:     spec,
		cfg:      cfg,
		topic:    broadcast.GameTopic(cfg.RoomID, spec.GameType),
		cache:    guard.NewReadCache[[]Answer[T]](cfg.CacheTTL),
		sm:       sm,
		now:      time.Now,
		answered: make(map[string]struct{}),
		closed:   make(map[string]struct{}),
	}
}

func (e *Engine[T]) GameType() models.GameType { return e.spec.GameType }

func (e *Engine[T]) Topic() string { return e.topic }

// Observe registers fn to run on every phase change. fn runs while the
// engine is locked and must not call back into it.
func (e *Engine[T]) Observe(fn func(from, to state.Phase)) {
	e.sm.Observe(fn)
}

func (e *Engine[T]) Phase() state.Phase {
	return e.sm.GetCurrentState()
}

func (e *Engine[T]) requireIdentity() error {
	if e.cfg.Self.ID == "" {
		return models.ErrMissingIdentity
	}
	return nil
}

func precondition(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrPrecondition, fmt.Sprintf(format, args...))
}

// ClaimInitiator announces the local participant as the next prompt author.
// Simultaneous claims are not arbitrated; the prompt that gets submitted settles it.
func (e *Engine[T]) ClaimInitiator(ctx context.Context) error {
	if err := e.requireIdentity(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.sessionID == "" {
		e.mu.Unlock()
		return precondition("no active %s session", e.spec.GameType)
	}
	if err := e.sm.ChangeState(InitiatorChosen); err != nil {
		phase := e.sm.GetCurrentState()
		e.mu.Unlock()
		return precondition("cannot claim the initiator role while %s", phase)
	}
	e.initiatorID, e.initiatorName = e.cfg.Self.ID, e.cfg.Self.Nickname
	e.mu.Unlock()

	return e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventQuestionerSelected, broadcast.QuestionerSelectedPayload{
		QuestionerID:   e.cfg.Self.ID,
		QuestionerName: e.cfg.Self.Nickname,
	})
}

// SubmitPrompt persists a new round, supersedes any earlier one and opens collection.
func (e *Engine[T]) SubmitPrompt(ctx context.Context, prompt string) (*Round, error) {
	if err := e.requireIdentity(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, precondition("prompt is empty")
	}

	e.mu.Lock()
	sessionID := e.sessionID
	phase := e.sm.GetCurrentState()
	e.mu.Unlock()
	if sessionID == "" {
		return nil, precondition("no active %s session", e.spec.GameType)
	}
	if phase != AwaitingInitiator && phase != InitiatorChosen {
		return nil, precondition("cannot submit a prompt while %s", phase)
	}

	row := &models.Round{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Prompt:        prompt,
		InitiatorID:   e.cfg.Self.ID,
		InitiatorName: e.cfg.Self.Nickname,
		CreatedAt:     e.now(),
	}
	if err := e.cfg.Guard.Do(ctx, guard.CreateRoundKey(sessionID), func(ctx context.Context) error {
		return e.cfg.Store.CreateRound(ctx, row)
	}); err != nil {
		return nil, fmt.Errorf("create round: %w", err)
	}

	round := roundFromModel(row)
	e.mu.Lock()
	if e.sessionID != sessionID {
		e.mu.Unlock()
		return nil, precondition("session %s ended", sessionID)
	}
	e.enterRoundLocked(round)
	e.mu.Unlock()
	e.cache.Invalidate(round.ID)

	logger.Log.Infow("round opened", "room", e.cfg.RoomID, "game", e.spec.GameType, "round", round.ID)
	r := *round
	return &r, e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventQuestionSubmitted, broadcast.QuestionSubmittedPayload{
		Question:       round.Prompt,
		QuestionID:     round.ID,
		QuestionerID:   round.InitiatorID,
		QuestionerName: round.InitiatorName,
		SessionID:      sessionID,
	})
}

// SubmitAnswer records the local participant's answer for the open round.
// A second call before reveal replaces the first.
func (e *Engine[T]) SubmitAnswer(ctx context.Context, value T) error {
	if err := e.requireIdentity(); err != nil {
		return err
	}
	if e.spec.Validate != nil {
		if err := e.spec.Validate(value); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if e.sm.GetCurrentState() != Collecting || e.round == nil {
		phase := e.sm.GetCurrentState()
		e.mu.Unlock()
		return precondition("no round is collecting answers (%s)", phase)
	}
	roundID := e.round.ID
	e.mu.Unlock()

	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	row := &models.Answer{
		ID:            uuid.NewString(),
		RoundID:       roundID,
		ParticipantID: e.cfg.Self.ID,
		Value:         datatypes.JSON(encoded),
		UpdatedAt:     e.now(),
	}
	if err := e.cfg.Guard.Do(ctx, guard.SubmitAnswerKey(roundID, e.cfg.Self.ID), func(ctx context.Context) error {
		return e.cfg.Store.UpsertAnswer(ctx, row)
	}); err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}

	e.mu.Lock()
	if e.round != nil && e.round.ID == roundID {
		e.answered[e.cfg.Self.ID] = struct{}{}
		v := value
		e.myAnswer = &v
	}
	e.mu.Unlock()
	e.cache.Invalidate(roundID)

	payload := broadcast.AnswerSubmittedPayload{ParticipantID: e.cfg.Self.ID, QuestionID: roundID}
	if e.spec.Field == FieldRankChoice {
		payload.RankChoice = encoded
	} else {
		payload.Answer = encoded
	}
	return e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventAnswerSubmitted, payload)
}

// Reveal scores the round from the answers in the store, not from the
// answer events seen locally, and shares the result with every peer.
func (e *Engine[T]) Reveal(ctx context.Context) (*Outcome[T], error) {
	e.mu.Lock()
	phase := e.sm.GetCurrentState()
	if phase == Revealed && e.outcome != nil {
		out := e.copyOutcomeLocked()
		e.mu.Unlock()
		return out, nil
	}
	if phase != Collecting || e.round == nil {
		e.mu.Unlock()
		return nil, precondition("cannot reveal while %s", phase)
	}
	roundID, sessionID := e.round.ID, e.sessionID
	e.mu.Unlock()

	answers, err := e.cache.Refresh(ctx, roundID, e.loader(roundID))
	if err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	outcome := e.evaluate(answers)

	if err := e.cfg.Guard.Do(ctx, guard.CreateRoundKey(sessionID), func(ctx context.Context) error {
		return e.cfg.Store.MarkRoundRevealed(ctx, roundID, e.now())
	}); err != nil {
		return nil, fmt.Errorf("mark round revealed: %w", err)
	}

	e.mu.Lock()
	if e.round != nil && e.round.ID == roundID {
		e.revealLocked(outcome)
	}
	e.mu.Unlock()

	results, err := json.Marshal(outcome)
	if err != nil {
		return nil, err
	}
	logger.Log.Infow("round revealed", "room", e.cfg.RoomID, "game", e.spec.GameType, "round", roundID, "answered", outcome.Answered)
	return &outcome, e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventShowResults, broadcast.ShowResultsPayload{
		QuestionID: roundID,
		Results:    results,
	})
}

// NewRound dismisses the revealed results and waits for the next initiator.
func (e *Engine[T]) NewRound(ctx context.Context) error {
	e.mu.Lock()
	phase := e.sm.GetCurrentState()
	if phase != Revealed || e.round == nil {
		e.mu.Unlock()
		return precondition("cannot start a new round while %s", phase)
	}
	roundID, sessionID := e.round.ID, e.sessionID
	e.mu.Unlock()

	if err := e.cfg.Guard.Do(ctx, guard.CreateRoundKey(sessionID), func(ctx context.Context) error {
		return e.cfg.Store.CloseRound(ctx, roundID)
	}); err != nil {
		return fmt.Errorf("close round: %w", err)
	}

	e.mu.Lock()
	if e.round != nil && e.round.ID == roundID {
		e.closeRoundLocked()
	}
	e.mu.Unlock()

	return e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventNewRound, broadcast.NewRoundPayload{QuestionID: roundID})
}

// Answers returns the open round's answer set, served from the read cache
// when fresh. Participant ids are blank when identities are hidden.
func (e *Engine[T]) Answers(ctx context.Context) ([]Answer[T], error) {
	e.mu.Lock()
	if e.round == nil {
		e.mu.Unlock()
		return nil, precondition("no round is open")
	}
	roundID := e.round.ID
	e.mu.Unlock()

	answers, err := e.cache.Get(ctx, roundID, e.loader(roundID))
	if err != nil {
		return nil, err
	}
	out := make([]Answer[T], len(answers))
	copy(out, answers)
	if e.spec.HideIdentities {
		for i := range out {
			out[i].ParticipantID = ""
		}
	}
	return out, nil
}

func (e *Engine[T]) AnsweredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.answered)
}

func (e *Engine[T]) HasAnswered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.answered[e.cfg.Self.ID]
	return ok
}

func (e *Engine[T]) MyAnswer() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.myAnswer == nil {
		var zero T
		return zero, false
	}
	return *e.myAnswer, true
}

func (e *Engine[T]) Snapshot() View[T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := View[T]{
		Phase:         e.sm.GetCurrentState(),
		SessionID:     e.sessionID,
		InitiatorID:   e.initiatorID,
		InitiatorName: e.initiatorName,
		AnsweredCount: len(e.answered),
		Outcome:       e.copyOutcomeLocked(),
	}
	_, v.HasAnswered = e.answered[e.cfg.Self.ID]
	if e.round != nil {
		r := *e.round
		v.Round = &r
	}
	if e.myAnswer != nil {
		a := *e.myAnswer
		v.MyAnswer = &a
	}
	return v
}

// HandleEvent applies a peer's event. Applying the same event again, or an
// event about a round that is no longer current, changes nothing.
func (e *Engine[T]) HandleEvent(ctx context.Context, ev broadcast.Event) error {
	switch ev.Name {
	case broadcast.EventQuestionerSelected:
		var p broadcast.QuestionerSelectedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.applyClaim(p)
	case broadcast.EventQuestionSubmitted:
		var p broadcast.QuestionSubmittedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.applyPrompt(p)
	case broadcast.EventAnswerSubmitted:
		var p broadcast.AnswerSubmittedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.applyAnswer(p)
	case broadcast.EventShowResults:
		var p broadcast.ShowResultsPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return e.applyResults(ctx, p)
	case broadcast.EventNewRound:
		var p broadcast.NewRoundPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.applyNewRound(p)
	}
	return nil
}

func (e *Engine[T]) applyClaim(p broadcast.QuestionerSelectedPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == "" || p.QuestionerID == "" {
		return
	}
	switch e.sm.GetCurrentState() {
	case Collecting:
		// The open round's prompt outranks a claim.
		return
	case Revealed:
		// new_round was lost; peers have moved on.
		e.closeRoundLocked()
	}
	e.initiatorID, e.initiatorName = p.QuestionerID, p.QuestionerName
	e.sm.Reset(InitiatorChosen)
}

func (e *Engine[T]) applyPrompt(p broadcast.QuestionSubmittedPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == "" || p.QuestionID == "" {
		return
	}
	if p.SessionID != "" && p.SessionID != e.sessionID {
		logger.Log.Debugw("ignoring prompt for another session", "session", p.SessionID, "current", e.sessionID)
		return
	}
	if _, done := e.closed[p.QuestionID]; done {
		return
	}
	if e.round != nil && e.round.ID == p.QuestionID {
		return
	}
	e.enterRoundLocked(&Round{
		ID:            p.QuestionID,
		Prompt:        p.Question,
		InitiatorID:   p.QuestionerID,
		InitiatorName: p.QuestionerName,
	})
}

func (e *Engine[T]) applyAnswer(p broadcast.AnswerSubmittedPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.ParticipantID == "" || e.round == nil || e.sm.GetCurrentState() != Collecting {
		return
	}
	if p.QuestionID != "" && p.QuestionID != e.round.ID {
		return
	}
	e.answered[p.ParticipantID] = struct{}{}
}

func (e *Engine[T]) applyResults(ctx context.Context, p broadcast.ShowResultsPayload) error {
	e.mu.Lock()
	if e.round == nil || e.sm.GetCurrentState() != Collecting {
		e.mu.Unlock()
		return nil
	}
	if p.QuestionID != "" && p.QuestionID != e.round.ID {
		e.mu.Unlock()
		return nil
	}
	roundID := e.round.ID
	e.mu.Unlock()

	var outcome Outcome[T]
	decoded := false
	if len(p.Results) > 0 {
		if err := json.Unmarshal(p.Results, &outcome); err == nil {
			decoded = true
		} else {
			logger.Log.Warnw("unreadable results, reading the store", "round", roundID, "error", err)
		}
	}
	if !decoded {
		answers, err := e.cache.Refresh(ctx, roundID, e.loader(roundID))
		if err != nil {
			return fmt.Errorf("read answers for reveal: %w", err)
		}
		outcome = e.evaluate(answers)
	}
	if e.spec.HideIdentities {
		outcome.Answers = nil
	}

	e.mu.Lock()
	if e.round != nil && e.round.ID == roundID && e.sm.GetCurrentState() == Collecting {
		e.revealLocked(outcome)
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine[T]) applyNewRound(p broadcast.NewRoundPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil {
		return
	}
	if p.QuestionID == e.round.ID || (p.QuestionID == "" && e.sm.GetCurrentState() == Revealed) {
		e.closeRoundLocked()
	}
}

// Restore adopts the store's view of the session: its active round (nil if
// none) and that round's answers. Answered participants seen locally are
// kept, and a round this client saw revealed stays revealed.
func (e *Engine[T]) Restore(sessionID string, row *models.Round, rows []models.Answer) {
	answers := e.decodeAll(rows)

	e.mu.Lock()
	defer e.mu.Unlock()

	if sessionID != e.sessionID {
		e.resetLocked(sessionID)
	}
	if sessionID == "" {
		return
	}

	if row == nil || !row.Active {
		if e.round != nil {
			// Not marked closed: the read may predate a prompt seen since.
			e.round = nil
			e.initiatorID, e.initiatorName = "", ""
			e.answered = make(map[string]struct{})
			e.myAnswer = nil
			e.outcome = nil
			e.sm.Reset(AwaitingInitiator)
		}
		return
	}
	if _, done := e.closed[row.ID]; done {
		return
	}

	if e.round == nil || e.round.ID != row.ID {
		e.enterRoundLocked(roundFromModel(row))
	}
	for _, a := range answers {
		e.answered[a.ParticipantID] = struct{}{}
		if a.ParticipantID == e.cfg.Self.ID {
			v := a.Value
			e.myAnswer = &v
		}
	}
	if row.RevealedAt != nil && e.sm.GetCurrentState() != Revealed {
		e.revealLocked(e.evaluate(answers))
	}
	e.cache.Invalidate(row.ID)
}

func (e *Engine[T]) resetLocked(sessionID string) {
	e.sessionID = sessionID
	e.initiatorID, e.initiatorName = "", ""
	e.round = nil
	e.answered = make(map[string]struct{})
	e.myAnswer = nil
	e.outcome = nil
	e.closed = make(map[string]struct{})
	e.sm.Reset(AwaitingInitiator)
}

func (e *Engine[T]) enterRoundLocked(r *Round) {
	e.round = r
	e.initiatorID, e.initiatorName = r.InitiatorID, r.InitiatorName
	e.answered = make(map[string]struct{})
	e.myAnswer = nil
	e.outcome = nil
	e.sm.Reset(Collecting)
}

func (e *Engine[T]) revealLocked(outcome Outcome[T]) {
	e.outcome = &outcome
	e.sm.Reset(Revealed)
}

func (e *Engine[T]) closeRoundLocked() {
	if e.round != nil {
		e.closed[e.round.ID] = struct{}{}
	}
	e.round = nil
	e.initiatorID, e.initiatorName = "", ""
	e.answered = make(map[string]struct{})
	e.myAnswer = nil
	e.outcome = nil
	e.sm.Reset(AwaitingInitiator)
}

func (e *Engine[T]) copyOutcomeLocked() *Outcome[T] {
	if e.outcome == nil {
		return nil
	}
	out := *e.outcome
	out.Collisions = append([]T(nil), e.outcome.Collisions...)
	out.Answers = append([]Answer[T](nil), e.outcome.Answers...)
	return &out
}

func (e *Engine[T]) evaluate(answers []Answer[T]) Outcome[T] {
	out := e.spec.Evaluate(answers)
	if e.spec.HideIdentities {
		out.Answers = nil
	}
	return out
}

func (e *Engine[T]) loader(roundID string) func(ctx context.Context) ([]Answer[T], error) {
	return func(ctx context.Context) ([]Answer[T], error) {
		rows, err := e.cfg.Store.ListAnswers(ctx, roundID)
		if err != nil {
			return nil, err
		}
		return e.decodeAll(rows), nil
	}
}

func (e *Engine[T]) decodeAll(rows []models.Answer) []Answer[T] {
	out := make([]Answer[T], 0, len(rows))
	for _, row := range rows {
		var v T
		if err := json.Unmarshal(row.Value, &v); err != nil {
			logger.Log.Warnw("skipping undecodable answer", "round", row.RoundID, "participant", row.ParticipantID, "error", err)
			continue
		}
		out = append(out, Answer[T]{ParticipantID: row.ParticipantID, Value: v})
	}
	return out
}

func roundFromModel(row *models.Round) *Round {
	return &Round{
		ID:            row.ID,
		Prompt:        row.Prompt,
		InitiatorID:   row.InitiatorID,
		InitiatorName: row.InitiatorName,
	}
}
