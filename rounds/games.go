// Package rounds drives the prompt, answer and reveal games. One engine
// implementation serves survey, ranking and synchro; a Spec supplies the
// answer type and the scoring.
package rounds

import (
	"fmt"
	"sort"

	"github.com/wfunc/partysync/models"
)

// Wire fields carrying an answer in answer_submitted.
const (
	FieldAnswer     = "answer"
	FieldRankChoice = "rankChoice"
)

type Answer[T comparable] struct {
	ParticipantID string `json:"participantId,omitempty"`
	Value         T      `json:"value"`
}

// Outcome is the revealed result of a round. Yes is only set by survey,
// Collisions only by ranking. Answers is nil when identities are hidden.
type Outcome[T comparable] struct {
	Answered   int         `json:"answered"`
	Yes        int         `json:"yes,omitempty"`
	Success    bool        `json:"success"`
	Collisions []T         `json:"collisions,omitempty"`
	Answers    []Answer[T] `json:"answers,omitempty"`
}

type Spec[T comparable] struct {
	GameType models.GameType
	Field    string
	// HideIdentities keeps who-answered-what out of every view; only the aggregate is kept.
	HideIdentities bool
	Validate       func(T) error
	Evaluate       func([]Answer[T]) Outcome[T]
}

var Survey = Spec[bool]{
	GameType:       models.GameSurvey,
	Field:          FieldAnswer,
	HideIdentities: true,
	Evaluate:       evaluateSurvey,
}

var Ranking = Spec[int]{
	GameType: models.GameRanking,
	Field:    FieldRankChoice,
	Validate: func(rank int) error {
		if rank < 1 {
			return fmt.Errorf("%w: rank must be at least 1, got %d", models.ErrPrecondition, rank)
		}
		return nil
	},
	Evaluate: evaluateRanking,
}

var Synchro = Spec[string]{
	GameType: models.GameSynchro,
	Field:    FieldAnswer,
	Validate: func(text string) error {
		if text == "" {
			return fmt.Errorf("%w: answer is empty", models.ErrPrecondition)
		}
		return nil
	},
	Evaluate: evaluateSynchro,
}

// Success is left false for survey; the count is the result.
func evaluateSurvey(answers []Answer[bool]) Outcome[bool] {
	out := Outcome[bool]{Answered: len(answers)}
	for _, a := range answers {
		if a.Value {
			out.Yes++
		}
	}
	return out
}

// evaluateRanking succeeds iff every submitted rank is distinct.
func evaluateRanking(answers []Answer[int]) Outcome[int] {
	counts := make(map[int]int, len(answers))
	for _, a := range answers {
		counts[a.Value]++
	}
	var collisions []int
	for rank, n := range counts {
		if n > 1 {
			collisions = append(collisions, rank)
		}
	}
	sort.Ints(collisions)

	return Outcome[int]{
		Answered:   len(answers),
		Success:    len(answers) > 0 && len(collisions) == 0,
		Collisions: collisions,
		Answers:    sortedAnswers(answers),
	}
}

// evaluateSynchro succeeds iff every text is byte-identical. No case folding
// or trimming is applied.
func evaluateSynchro(answers []Answer[string]) Outcome[string] {
	success := len(answers) > 0
	for _, a := range answers {
		if a.Value != answers[0].Value {
			success = false
			break
		}
	}
	return Outcome[string]{
		Answered: len(answers),
		Success:  success,
		Answers:  sortedAnswers(answers),
	}
}

func sortedAnswers[T comparable](answers []Answer[T]) []Answer[T] {
	out := make([]Answer[T], len(answers))
	copy(out, answers)
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}
