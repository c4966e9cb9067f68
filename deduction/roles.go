// Package deduction runs the social deduction game: hidden roles, a talk
// phase ended by a quorum of ready signals, voting with sudden death on
// ties, and an optional last guess for an eliminated minority.
package deduction

import (
	"fmt"
	"math/rand/v2"

	"github.com/wfunc/partysync/models"
)

// MinPlayers is the smallest group the game can be played with.
const MinPlayers = 3

// TopicPair holds the two related topics handed out to the two sides.
type TopicPair struct {
	Majority string `json:"majority"`
	Minority string `json:"minority"`
}

// MinoritySize is max(1, n/3).
func MinoritySize(n int) int {
	if m := n / 3; m > 1 {
		return m
	}
	return 1
}

func (t TopicPair) valid() bool {
	return t.Majority != "" && t.Minority != "" && t.Majority != t.Minority
}

// AssignRoles shuffles participantIDs with rng and gives the first
// MinoritySize of them the minority role. It performs no I/O.
func AssignRoles(sessionID string, participantIDs []string, topics TopicPair, rng *rand.Rand) ([]models.Assignment, error) {
	if len(participantIDs) < MinPlayers {
		return nil, fmt.Errorf("%w: need at least %d participants, have %d", models.ErrPrecondition, MinPlayers, len(participantIDs))
	}
	if !topics.valid() {
		return nil, fmt.Errorf("%w: two different topics are required", models.ErrPrecondition)
	}

	seen := make(map[string]struct{}, len(participantIDs))
	shuffled := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		shuffled = append(shuffled, id)
	}
	if len(shuffled) < MinPlayers {
		return nil, fmt.Errorf("%w: need at least %d distinct participants", models.ErrPrecondition, MinPlayers)
	}
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	minority := MinoritySize(len(shuffled))
	out := make([]models.Assignment, len(shuffled))
	for i, id := range shuffled {
		a := models.Assignment{
			ID:            sessionID + ":" + id,
			SessionID:     sessionID,
			ParticipantID: id,
			Role:          models.RoleMajority,
			Topic:         topics.Majority,
		}
		if i < minority {
			a.Role = models.RoleMinority
			a.Topic = topics.Minority
		}
		out[i] = a
	}
	return out, nil
}
