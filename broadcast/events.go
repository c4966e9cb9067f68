package broadcast

import (
	"encoding/json"

	"github.com/wfunc/partysync/models"
)

// Event names. Wire names are shared with every other client implementation.
const (
	EventGameStart = "game_start"
	EventGameEnd   = "game_end"

	EventParticipantUpdate = "participant_update"

	EventQuestionerSelected = "questioner_selected"
	EventQuestionSubmitted  = "question_submitted"
	EventAnswerSubmitted    = "answer_submitted"
	EventShowResults        = "show_results"
	EventNewRound           = "new_round"

	EventDeductionStart       = "werewolf_game_start"
	EventDeductionPhaseChange = "werewolf_phase_change"
	EventDeductionVote        = "werewolf_vote_submitted"
	EventDeductionReady       = "werewolf_phase_button_click"
	EventDeductionEnd         = "werewolf_game_end"
)

const (
	ParticipantJoined = "joined"
	ParticipantLeft   = "left"
)

type GameLifecyclePayload struct {
	SessionID string          `json:"sessionId"`
	GameType  models.GameType `json:"gameType"`
	Timestamp int64           `json:"timestamp"`
}

type ParticipantUpdatePayload struct {
	Action      string             `json:"action"`
	Participant models.Participant `json:"participant"`
}

type QuestionerSelectedPayload struct {
	QuestionerID   string `json:"questionerId"`
	QuestionerName string `json:"questionerName"`
}

type QuestionSubmittedPayload struct {
	Question       string `json:"question"`
	QuestionID     string `json:"questionId"`
	QuestionerID   string `json:"questionerId"`
	QuestionerName string `json:"questionerName"`
	SessionID      string `json:"sessionId"`
}

// AnswerSubmittedPayload carries the value under "answer" (survey, synchro)
// or "rankChoice" (ranking).
type AnswerSubmittedPayload struct {
	ParticipantID string          `json:"participantId"`
	QuestionID    string          `json:"questionId,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	RankChoice    json.RawMessage `json:"rankChoice,omitempty"`
}

// ShowResultsPayload may be empty; receivers then read results from the store.
type ShowResultsPayload struct {
	QuestionID string          `json:"questionId,omitempty"`
	Results    json.RawMessage `json:"results,omitempty"`
}

type NewRoundPayload struct {
	QuestionID string `json:"questionId,omitempty"`
}

type DeductionStartPayload struct {
	SessionID   string `json:"sessionId"`
	ReverseMode bool   `json:"reverseMode"`
}

type DeductionPhasePayload struct {
	Phase            string `json:"phase"`
	VoteRound        int    `json:"voteRound,omitempty"`
	EliminatedPlayer string `json:"eliminatedPlayer,omitempty"`
}

type DeductionVotePayload struct {
	VoterID     string `json:"voterId"`
	TargetID    string `json:"targetId"`
	RoundNumber int    `json:"roundNumber,omitempty"`
}

type DeductionReadyPayload struct {
	ParticipantID string `json:"participantId"`
}

type DeductionResult struct {
	Winner           models.Role `json:"winner"`
	EliminatedPlayer string      `json:"eliminatedPlayer,omitempty"`
	Guess            string      `json:"guess,omitempty"`
	IsCorrectGuess   bool        `json:"isCorrectGuess"`
}

type DeductionEndPayload struct {
	Result DeductionResult `json:"result"`
}
