package deduction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/guard"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence"
	"github.com/wfunc/partysync/services"
	"github.com/wfunc/partysync/state"
)

const (
	Setup         state.Phase = "setup"
	Talk          state.Phase = "talk"
	Vote          state.Phase = "vote"
	SuddenDeath   state.Phase = "sudden_death"
	ReverseChance state.Phase = "reverse_chance"
	Finished      state.Phase = "finished"
)

// ErrNotPlaying is returned by Role when the participant has no assignment.
var ErrNotPlaying = errors.New("participant has no role in this session")

// ReadyQuorum is the number of distinct ready signals that ends the talk
// phase. It is a fixed rule of the game and does not grow with the room.
const ReadyQuorum = 2

var phaseOrder = map[state.Phase]int{
	Setup:         0,
	Talk:          1,
	Vote:          2,
	SuddenDeath:   3,
	ReverseChance: 4,
	Finished:      5,
}

// progress folds a phase and its voting round into one ordering key for
// the store. Finished outranks everything.
func progress(phase state.Phase, round int) int {
	if phase == Finished {
		return math.MaxInt32
	}
	return round*len(phaseOrder) + phaseOrder[phase]
}

type Config struct {
	RoomID    string
	Self      models.Participant
	Store     persistence.Store
	Publisher *broadcast.Publisher
	Guard     *guard.Guard
	Sessions  *services.SessionService
	// Rand shuffles roles; nil seeds a fresh generator.
	Rand *rand.Rand
}

type View struct {
	Phase       state.Phase
	SessionID   string
	ReverseMode bool
	VoteRound   int
	MyRole      models.Role
	MyTopic     string
	ReadyCount  int
	VotesCast   int
	HasVoted    bool
	Eliminated  string
	Result      *broadcast.DeductionResult
}

type TallyResult struct {
	Counts     map[string]int
	Phase      state.Phase
	VoteRound  int
	Eliminated string
	Result     *broadcast.DeductionResult
}

type Engine struct {
	cfg   Config
	topic string
	sm    *state.BaseStateMachine
	rng   *rand.Rand
	rngMu sync.Mutex

	mu          sync.Mutex
	sessionID   string
	reverseMode bool
	voteRound   int
	eliminated  string
	assignments map[string]models.Assignment
	ready       map[string]struct{}
	votes       map[string]string
	result      *broadcast.DeductionResult
}

func New(cfg Config) *Engine {
	sm := state.NewBaseStateMachine(Setup)
	sm.AddTransition(Setup, Talk, nil)
	sm.AddTransition(Talk, Vote, nil)
	sm.AddTransition(Vote, SuddenDeath, nil)
	sm.AddTransition(Vote, ReverseChance, nil)
	sm.AddTransition(Vote, Finished, nil)
	sm.AddTransition(SuddenDeath, SuddenDeath, nil)
	sm.AddTransition(SuddenDeath, ReverseChance, nil)
	sm.AddTransition(SuddenDeath, Finished, nil)
	sm.AddTransition(ReverseChance, Finished, nil)

	rng := cfg.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	e := &Engine{
		cfg:   cfg,
		topic: broadcast.GameTopic(cfg.RoomID, models.GameDeduction),
		sm:    sm,
		rng:   rng,
	}
	e.resetLocked("")
	return e
}

func (e *Engine) GameType() models.GameType { return models.GameDeduction }

func (e *Engine) Topic() string { return e.topic }

// Observe registers fn to run on every phase change. fn runs while the
// engine is locked and must not call back into it.
func (e *Engine) Observe(fn func(from, to state.Phase)) {
	e.sm.Observe(fn)
}

func (e *Engine) Phase() state.Phase {
	return e.sm.GetCurrentState()
}

func precondition(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrPrecondition, fmt.Sprintf(format, args...))
}

func (e *Engine) requireIdentity() error {
	if e.cfg.Self.ID == "" {
		return models.ErrMissingIdentity
	}
	return nil
}

// Start opens a deduction session for participantIDs. Roles are persisted
// before anything is announced, so every peer can read its own role as
// soon as it hears about the game.
func (e *Engine) Start(ctx context.Context, participantIDs []string, topics TopicPair, reverseMode bool) (*models.GameSession, error) {
	if err := e.requireIdentity(); err != nil {
		return nil, err
	}
	if len(participantIDs) < MinPlayers {
		return nil, precondition("need at least %d participants, have %d", MinPlayers, len(participantIDs))
	}
	if !topics.valid() {
		return nil, precondition("two different topics are required")
	}

	session, err := e.cfg.Sessions.CreateSession(ctx, e.cfg.RoomID, models.GameDeduction, e.cfg.Self.ID, services.CreateOptions{ReverseMode: reverseMode})
	if err != nil && session == nil {
		return nil, err
	}
	if err != nil {
		logger.Log.Warnw("game_start not delivered", "session", session.ID, "error", err)
	}

	existing, err := e.cfg.Store.ListAssignments(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		// Our own earlier attempt already dealt the roles.
		e.Restore(session, existing, nil)
		return session, nil
	}

	e.rngMu.Lock()
	assignments, err := AssignRoles(session.ID, participantIDs, topics, e.rng)
	e.rngMu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := e.cfg.Guard.Do(ctx, guard.SessionKey(session.ID), func(ctx context.Context) error {
		if err := e.cfg.Store.SaveAssignments(ctx, assignments); err != nil {
			return err
		}
		_, err := e.cfg.Store.UpdateSessionPhase(ctx, session.ID, string(Talk), 1, "", progress(Talk, 1))
		return err
	}); err != nil {
		return nil, fmt.Errorf("save roles: %w", err)
	}
	// Another attempt may have landed first; the stored roles win.
	if assignments, err = e.cfg.Store.ListAssignments(ctx, session.ID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.resetLocked(session.ID)
	e.reverseMode = session.ReverseMode
	e.setAssignmentsLocked(assignments)
	e.voteRound = 1
	e.sm.Reset(Talk)
	e.mu.Unlock()

	logger.Log.Infow("deduction started", "room", e.cfg.RoomID, "session", session.ID, "players", len(assignments))
	if err := e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventDeductionStart, broadcast.DeductionStartPayload{
		SessionID:   session.ID,
		ReverseMode: session.ReverseMode,
	}); err != nil {
		return session, err
	}
	return session, e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventDeductionPhaseChange, broadcast.DeductionPhasePayload{
		Phase:     string(Talk),
		VoteRound: 1,
	})
}

// SignalReady marks the local participant ready to vote. Any client that
// sees the quorum complete records the vote phase; the first write wins.
func (e *Engine) SignalReady(ctx context.Context) error {
	if err := e.requireIdentity(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.sm.GetCurrentState() != Talk {
		phase := e.sm.GetCurrentState()
		e.mu.Unlock()
		return precondition("cannot signal ready while %s", phase)
	}
	e.ready[e.cfg.Self.ID] = struct{}{}
	reached := len(e.ready) >= ReadyQuorum
	if reached {
		_ = e.sm.ChangeState(Vote)
	}
	sessionID, round := e.sessionID, e.voteRound
	e.mu.Unlock()

	if err := e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventDeductionReady, broadcast.DeductionReadyPayload{
		ParticipantID: e.cfg.Self.ID,
	}); err != nil {
		return err
	}
	if !reached {
		return nil
	}
	return e.advance(ctx, sessionID, Vote, round, "")
}

// CastVote records one vote for targetID in the current voting round.
func (e *Engine) CastVote(ctx context.Context, targetID string) error {
	if err := e.requireIdentity(); err != nil {
		return err
	}
	if targetID == e.cfg.Self.ID {
		return precondition("cannot vote for yourself")
	}

	e.mu.Lock()
	phase := e.sm.GetCurrentState()
	if phase != Vote && phase != SuddenDeath {
		e.mu.Unlock()
		return precondition("cannot vote while %s", phase)
	}
	if _, voted := e.votes[e.cfg.Self.ID]; voted {
		e.mu.Unlock()
		return precondition("already voted in round %d", e.voteRound)
	}
	sessionID, round := e.sessionID, e.voteRound
	e.mu.Unlock()

	assignments, err := e.loadAssignments(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := assignments[targetID]; !ok {
		return precondition("%s is not playing", targetID)
	}

	v := &models.Vote{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		VoterID:     e.cfg.Self.ID,
		TargetID:    targetID,
		RoundNumber: round,
		CreatedAt:   time.Now(),
	}
	if err := e.cfg.Guard.Do(ctx, guard.VoteKey(sessionID, e.cfg.Self.ID, round), func(ctx context.Context) error {
		return e.cfg.Store.SaveVote(ctx, v)
	}); err != nil {
		return fmt.Errorf("cast vote: %w", err)
	}

	e.mu.Lock()
	if e.sessionID == sessionID && e.voteRound == round {
		if _, voted := e.votes[e.cfg.Self.ID]; !voted {
			e.votes[e.cfg.Self.ID] = targetID
		}
	}
	e.mu.Unlock()

	return e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventDeductionVote, broadcast.DeductionVotePayload{
		VoterID:     e.cfg.Self.ID,
		TargetID:    targetID,
		RoundNumber: round,
	})
}

// Tally counts the current round's votes as stored and resolves it.
func (e *Engine) Tally(ctx context.Context) (*TallyResult, error) {
	e.mu.Lock()
	phase := e.sm.GetCurrentState()
	if phase != Vote && phase != SuddenDeath {
		e.mu.Unlock()
		return nil, precondition("cannot tally while %s", phase)
	}
	sessionID, round, reverse := e.sessionID, e.voteRound, e.reverseMode
	e.mu.Unlock()

	votes, err := e.cfg.Store.ListVotes(ctx, sessionID, round)
	if err != nil {
		return nil, fmt.Errorf("read votes: %w", err)
	}
	if len(votes) == 0 {
		return nil, precondition("no votes in round %d", round)
	}
	assignments, err := e.loadAssignments(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, v := range votes {
		counts[v.TargetID]++
	}
	leaders := topCandidates(counts)
	out := &TallyResult{Counts: counts, VoteRound: round}

	if len(leaders) > 1 {
		if phase == SuddenDeath {
			// A second deadlock goes to the minority.
			out.Phase = Finished
			out.Result = &broadcast.DeductionResult{Winner: models.RoleMinority}
			return out, e.finish(ctx, sessionID, round, *out.Result)
		}
		out.Phase, out.VoteRound = SuddenDeath, round+1
		e.mu.Lock()
		if e.sessionID == sessionID && e.voteRound == round {
			e.enterVoteRoundLocked(SuddenDeath, round+1)
		}
		e.mu.Unlock()
		return out, e.advance(ctx, sessionID, SuddenDeath, round+1, "")
	}

	eliminated := leaders[0]
	out.Eliminated = eliminated
	minorityOut := assignments[eliminated].Role == models.RoleMinority

	if minorityOut && reverse {
		out.Phase = ReverseChance
		e.mu.Lock()
		if e.sessionID == sessionID {
			e.eliminated = eliminated
			e.sm.Reset(ReverseChance)
		}
		e.mu.Unlock()
		return out, e.advance(ctx, sessionID, ReverseChance, round, eliminated)
	}

	winner := models.RoleMinority
	if minorityOut {
		winner = models.RoleMajority
	}
	out.Phase = Finished
	out.Result = &broadcast.DeductionResult{Winner: winner, EliminatedPlayer: eliminated}
	return out, e.finish(ctx, sessionID, round, *out.Result)
}

// SubmitGuess lets a minority player name the majority topic during the
// reverse chance. Only the first stored guess counts; an exact match wins.
func (e *Engine) SubmitGuess(ctx context.Context, topic string) (*broadcast.DeductionResult, error) {
	if err := e.requireIdentity(); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, precondition("guess is empty")
	}

	e.mu.Lock()
	if e.sm.GetCurrentState() != ReverseChance {
		phase := e.sm.GetCurrentState()
		e.mu.Unlock()
		return nil, precondition("cannot guess while %s", phase)
	}
	sessionID, round, eliminated := e.sessionID, e.voteRound, e.eliminated
	e.mu.Unlock()

	assignments, err := e.loadAssignments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	mine, ok := assignments[e.cfg.Self.ID]
	if !ok || mine.Role != models.RoleMinority {
		return nil, precondition("only the minority may guess")
	}

	g := &models.Guess{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ParticipantID: e.cfg.Self.ID,
		Topic:         topic,
		CreatedAt:     time.Now(),
	}
	var first *models.Guess
	if err := e.cfg.Guard.Do(ctx, guard.SessionKey(sessionID), func(ctx context.Context) error {
		if err := e.cfg.Store.SaveGuess(ctx, g); err != nil {
			return err
		}
		stored, err := e.cfg.Store.GetGuess(ctx, sessionID)
		if err != nil {
			return err
		}
		first = stored
		return nil
	}); err != nil {
		return nil, fmt.Errorf("submit guess: %w", err)
	}

	correct := first.Topic == majorityTopic(assignments)
	result := broadcast.DeductionResult{
		Winner:           models.RoleMajority,
		EliminatedPlayer: eliminated,
		Guess:            first.Topic,
		IsCorrectGuess:   correct,
	}
	if correct {
		result.Winner = models.RoleMinority
	}
	return &result, e.finish(ctx, sessionID, round, result)
}

// advance records (phase, round) and announces it. Only the client whose
// write moved the stored progress publishes; everyone else is a no-op.
func (e *Engine) advance(ctx context.Context, sessionID string, phase state.Phase, round int, eliminated string) error {
	var applied bool
	if err := e.cfg.Guard.Do(ctx, guard.SessionKey(sessionID), func(ctx context.Context) error {
		ok, err := e.cfg.Store.UpdateSessionPhase(ctx, sessionID, string(phase), round, eliminated, progress(phase, round))
		applied = applied || ok
		return err
	}); err != nil {
		return fmt.Errorf("record phase %s: %w", phase, err)
	}
	if !applied {
		return nil
	}
	return e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventDeductionPhaseChange, broadcast.DeductionPhasePayload{
		Phase:            string(phase),
		VoteRound:        round,
		EliminatedPlayer: eliminated,
	})
}

func (e *Engine) finish(ctx context.Context, sessionID string, round int, result broadcast.DeductionResult) error {
	e.mu.Lock()
	if e.sessionID == sessionID {
		r := result
		e.result = &r
		e.eliminated = result.EliminatedPlayer
		e.sm.Reset(Finished)
	}
	e.mu.Unlock()

	if err := e.cfg.Guard.Do(ctx, guard.SessionKey(sessionID), func(ctx context.Context) error {
		_, err := e.cfg.Store.UpdateSessionPhase(ctx, sessionID, string(Finished), round, result.EliminatedPlayer, progress(Finished, round))
		return err
	}); err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	logger.Log.Infow("deduction finished", "room", e.cfg.RoomID, "session", sessionID, "winner", result.Winner)

	if err := e.cfg.Publisher.Send(ctx, e.topic, broadcast.EventDeductionEnd, broadcast.DeductionEndPayload{Result: result}); err != nil {
		return err
	}
	return e.cfg.Sessions.EndSession(ctx, sessionID)
}

func (e *Engine) loadAssignments(ctx context.Context, sessionID string) (map[string]models.Assignment, error) {
	e.mu.Lock()
	if e.sessionID == sessionID && len(e.assignments) > 0 {
		out := make(map[string]models.Assignment, len(e.assignments))
		for k, v := range e.assignments {
			out[k] = v
		}
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	rows, err := e.cfg.Store.ListAssignments(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read roles: %w", err)
	}
	out := make(map[string]models.Assignment, len(rows))
	for _, a := range rows {
		out[a.ParticipantID] = a
	}

	e.mu.Lock()
	if e.sessionID == sessionID {
		e.setAssignmentsLocked(rows)
	}
	e.mu.Unlock()
	return out, nil
}

func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := View{
		Phase:       e.sm.GetCurrentState(),
		SessionID:   e.sessionID,
		ReverseMode: e.reverseMode,
		VoteRound:   e.voteRound,
		ReadyCount:  len(e.ready),
		VotesCast:   len(e.votes),
		Eliminated:  e.eliminated,
	}
	if a, ok := e.assignments[e.cfg.Self.ID]; ok {
		v.MyRole, v.MyTopic = a.Role, a.Topic
	}
	_, v.HasVoted = e.votes[e.cfg.Self.ID]
	if e.result != nil {
		r := *e.result
		v.Result = &r
	}
	return v
}

// HandleEvent applies a peer's event. Phase changes only move forward, so
// replayed or reordered events are harmless.
func (e *Engine) HandleEvent(ctx context.Context, ev broadcast.Event) error {
	switch ev.Name {
	case broadcast.EventDeductionStart:
		var p broadcast.DeductionStartPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return nil
		}
		e.mu.Lock()
		if p.SessionID != e.sessionID {
			e.resetLocked(p.SessionID)
			e.reverseMode = p.ReverseMode
		}
		// A resync may have adopted the session before its roles were stored.
		missing := len(e.assignments) == 0
		e.mu.Unlock()
		if missing {
			_, err := e.loadAssignments(ctx, p.SessionID)
			return err
		}
	case broadcast.EventDeductionPhaseChange:
		var p broadcast.DeductionPhasePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.mu.Lock()
		sessionID := e.sessionID
		if sessionID != "" {
			e.advanceLocked(state.Phase(p.Phase), p.VoteRound, p.EliminatedPlayer)
		}
		missing := sessionID != "" && len(e.assignments) == 0 && e.sm.GetCurrentState() != Setup
		e.mu.Unlock()
		if missing {
			_, err := e.loadAssignments(ctx, sessionID)
			return err
		}
	case broadcast.EventDeductionReady:
		var p broadcast.DeductionReadyPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.mu.Lock()
		reached := false
		if e.sm.GetCurrentState() == Talk && p.ParticipantID != "" {
			e.ready[p.ParticipantID] = struct{}{}
			if len(e.ready) >= ReadyQuorum {
				e.enterVoteRoundLocked(Vote, e.voteRound)
				reached = true
			}
		}
		sessionID, round := e.sessionID, e.voteRound
		e.mu.Unlock()
		if reached {
			return e.advance(ctx, sessionID, Vote, round, "")
		}
	case broadcast.EventDeductionVote:
		var p broadcast.DeductionVotePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.mu.Lock()
		phase := e.sm.GetCurrentState()
		round := p.RoundNumber
		if round == 0 {
			round = e.voteRound
		}
		if (phase == Vote || phase == SuddenDeath) && round == e.voteRound && p.VoterID != "" && p.VoterID != p.TargetID {
			if _, voted := e.votes[p.VoterID]; !voted {
				e.votes[p.VoterID] = p.TargetID
			}
		}
		e.mu.Unlock()
	case broadcast.EventDeductionEnd:
		var p broadcast.DeductionEndPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.mu.Lock()
		if e.sessionID != "" {
			r := p.Result
			e.result = &r
			if r.EliminatedPlayer != "" {
				e.eliminated = r.EliminatedPlayer
			}
			e.sm.Reset(Finished)
		}
		e.mu.Unlock()
	}
	return nil
}

// Restore adopts the store's view of the active session. A nil session
// clears the engine unless it is showing a finished game.
func (e *Engine) Restore(session *models.GameSession, assignments []models.Assignment, votes []models.Vote) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if session == nil || session.GameType != models.GameDeduction {
		if e.sm.GetCurrentState() != Finished {
			e.resetLocked("")
		}
		return
	}
	if session.ID != e.sessionID {
		e.resetLocked(session.ID)
	}
	e.reverseMode = session.ReverseMode
	if len(assignments) > 0 {
		e.setAssignmentsLocked(assignments)
	}

	phase := state.Phase(session.Phase)
	if phase == "" {
		phase = Setup
	}
	round := session.VoteRound
	if round == 0 {
		round = 1
	}
	e.advanceLocked(phase, round, session.Eliminated)

	for _, v := range votes {
		if v.RoundNumber != e.voteRound {
			continue
		}
		if _, ok := e.votes[v.VoterID]; !ok {
			e.votes[v.VoterID] = v.TargetID
		}
	}
}

// advanceLocked moves to (phase, round) if that is ahead of the current position.
func (e *Engine) advanceLocked(phase state.Phase, round int, eliminated string) {
	rank, known := phaseOrder[phase]
	if !known {
		return
	}
	if round == 0 {
		round = e.voteRound
	}
	cur := phaseOrder[e.sm.GetCurrentState()]
	if round < e.voteRound || (round == e.voteRound && rank <= cur) {
		return
	}
	switch phase {
	case Vote, SuddenDeath:
		e.enterVoteRoundLocked(phase, round)
	default:
		e.voteRound = round
		e.sm.Reset(phase)
	}
	if eliminated != "" {
		e.eliminated = eliminated
	}
}

func (e *Engine) enterVoteRoundLocked(phase state.Phase, round int) {
	if round != e.voteRound {
		e.votes = make(map[string]string)
	}
	e.voteRound = round
	e.sm.Reset(phase)
}

func (e *Engine) resetLocked(sessionID string) {
	e.sessionID = sessionID
	e.reverseMode = false
	e.voteRound = 1
	e.eliminated = ""
	e.assignments = make(map[string]models.Assignment)
	e.ready = make(map[string]struct{})
	e.votes = make(map[string]string)
	e.result = nil
	e.sm.Reset(Setup)
}

func (e *Engine) setAssignmentsLocked(rows []models.Assignment) {
	e.assignments = make(map[string]models.Assignment, len(rows))
	for _, a := range rows {
		e.assignments[a.ParticipantID] = a
	}
}

// topCandidates returns every target holding the maximum count, sorted.
func topCandidates(counts map[string]int) []string {
	top := 0
	for _, n := range counts {
		if n > top {
			top = n
		}
	}
	var out []string
	for id, n := range counts {
		if n == top {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func majorityTopic(assignments map[string]models.Assignment) string {
	for _, a := range assignments {
		if a.Role == models.RoleMajority {
			return a.Topic
		}
	}
	return ""
}

// Role returns the stored assignment of participantID.
func (e *Engine) Role(participantID string) (models.Assignment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assignments[participantID]
	if !ok {
		return models.Assignment{}, ErrNotPlaying
	}
	return a, nil
}
