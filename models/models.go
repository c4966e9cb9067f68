// models/models.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

// GameType tags which game a session plays.
type GameType string

const (
	GameSurvey    GameType = "survey"
	GameRanking   GameType = "ranking"
	GameSynchro   GameType = "synchro"
	GameDeduction GameType = "deduction"
)

// RoundGameTypes are the prompt/answer games driven by the round engine.
var RoundGameTypes = []GameType{GameSurvey, GameRanking, GameSynchro}

func (g GameType) Valid() bool {
	switch g {
	case GameSurvey, GameRanking, GameSynchro, GameDeduction:
		return true
	}
	return false
}

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Role is a side in the deduction game.
type Role string

const (
	RoleMajority Role = "majority"
	RoleMinority Role = "minority"
)

// Room 房间
type Room struct {
	ID             string    `gorm:"primaryKey;size:64"`
	LastActivityAt time.Time `gorm:"not null"`
	CreatedAt      time.Time
}

// Participant 房间成员
type Participant struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	RoomID     string    `gorm:"index:idx_participants_room_nickname;size:64;not null" json:"roomId"`
	Nickname   string    `gorm:"index:idx_participants_room_nickname;size:64;not null" json:"nickname"`
	Credential string    `gorm:"size:128;not null" json:"-"`
	Online     bool      `gorm:"not null;default:true" json:"online"`
	LastSeenAt time.Time `gorm:"not null" json:"lastSeenAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// GameSession is one play-through of a game in a room.
type GameSession struct {
	ID          string        `gorm:"primaryKey;size:64"`
	RoomID      string        `gorm:"index:idx_sessions_room_status;size:64;not null"`
	GameType    GameType      `gorm:"size:16;not null"`
	Status      SessionStatus `gorm:"index:idx_sessions_room_status;size:16;not null"`
	CreatedBy   string        `gorm:"size:64;not null"`
	ReverseMode bool          `gorm:"not null;default:false"`
	// Phase and VoteRound track deduction progress so reconnecting clients can recover it.
	Phase      string `gorm:"size:32;not null;default:''"`
	VoteRound  int    `gorm:"not null;default:0"`
	Eliminated string `gorm:"size:64;not null;default:''"`
	// Progress orders (phase, round) pairs; phase writes never move it backwards.
	Progress  int `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Round 一轮问答
type Round struct {
	ID            string `gorm:"primaryKey;size:64"`
	SessionID     string `gorm:"index;size:64;not null"`
	Prompt        string `gorm:"not null"`
	InitiatorID   string `gorm:"size:64;not null"`
	InitiatorName string `gorm:"size:64;not null;default:''"`
	Active        bool   `gorm:"not null;default:true"`
	RevealedAt    *time.Time
	CreatedAt     time.Time
}

// Answer holds a JSON encoded bool, int or string depending on the game type.
type Answer struct {
	ID            string         `gorm:"primaryKey;size:64"`
	RoundID       string         `gorm:"size:64;not null;uniqueIndex:idx_answers_round_participant"`
	ParticipantID string         `gorm:"size:64;not null;uniqueIndex:idx_answers_round_participant"`
	Value         datatypes.JSON `gorm:"not null"`
	UpdatedAt     time.Time
}

type Assignment struct {
	ID            string `gorm:"primaryKey;size:64"`
	SessionID     string `gorm:"size:64;not null;uniqueIndex:idx_assignments_session_participant"`
	ParticipantID string `gorm:"size:64;not null;uniqueIndex:idx_assignments_session_participant"`
	Role          Role   `gorm:"size:16;not null"`
	Topic         string `gorm:"not null"`
}

type Vote struct {
	ID          string `gorm:"primaryKey;size:64"`
	SessionID   string `gorm:"size:64;not null;uniqueIndex:idx_votes_session_voter_round"`
	VoterID     string `gorm:"size:64;not null;uniqueIndex:idx_votes_session_voter_round"`
	RoundNumber int    `gorm:"not null;uniqueIndex:idx_votes_session_voter_round"`
	TargetID    string `gorm:"size:64;not null"`
	CreatedAt   time.Time
}

type Guess struct {
	ID            string `gorm:"primaryKey;size:64"`
	SessionID     string `gorm:"size:64;not null;uniqueIndex:idx_guesses_session_participant"`
	ParticipantID string `gorm:"size:64;not null;uniqueIndex:idx_guesses_session_participant"`
	Topic         string `gorm:"not null"`
	CreatedAt     time.Time
}

// All lists every row model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Room{},
		&Participant{},
		&GameSession{},
		&Round{},
		&Answer{},
		&Assignment{},
		&Vote{},
		&Guess{},
	}
}
