// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/wfunc/partysync/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore 使用GORM的Store实现
type GormStore struct {
	db *gorm.DB
}

// NewGormPostgreSQL 创建GORM PostgreSQL数据库连接
func NewGormPostgreSQL(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewGormStore(db)
}

// NewGormStore wraps an open connection and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := autoMigrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func gormConfig() *gorm.Config {
	// 配置GORM日志
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Silent,
			Colorful:      false,
		},
	)
	return &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	}
}

// GormConfig exposes the store's gorm settings for callers opening other dialects.
func GormConfig() *gorm.Config {
	return gormConfig()
}

// autoMigrate 自动迁移表结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}

func (p *GormStore) UpsertRoom(ctx context.Context, roomID string, at time.Time) error {
	room := models.Room{ID: roomID, LastActivityAt: at}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_activity_at": at}),
	}).Create(&room).Error
}

// SaveParticipant inserts or fully replaces a participant row.
func (p *GormStore) SaveParticipant(ctx context.Context, participant *models.Participant) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nickname", "credential", "online", "last_seen_at"}),
	}).Create(participant).Error
}

func (p *GormStore) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	var participant models.Participant
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&participant).Error; err != nil {
		return nil, notFound(err)
	}
	return &participant, nil
}

func (p *GormStore) FindParticipantsByNickname(ctx context.Context, roomID, nickname string) ([]models.Participant, error) {
	var participants []models.Participant
	err := p.db.WithContext(ctx).
		Where("room_id = ? AND nickname = ?", roomID, nickname).
		Order("last_seen_at DESC").
		Find(&participants).Error
	return participants, err
}

func (p *GormStore) ListParticipants(ctx context.Context, roomID string, seenSince time.Time) ([]models.Participant, error) {
	var participants []models.Participant
	err := p.db.WithContext(ctx).
		Where("room_id = ? AND online = ? AND last_seen_at >= ?", roomID, true, seenSince).
		Order("created_at ASC").
		Find(&participants).Error
	return participants, err
}

func (p *GormStore) TouchParticipant(ctx context.Context, id string, online bool, at time.Time) error {
	result := p.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"online": online, "last_seen_at": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *GormStore) CreateSession(ctx context.Context, s *models.GameSession) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(s).Error
}

func (p *GormStore) GetSession(ctx context.Context, id string) (*models.GameSession, error) {
	var s models.GameSession
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// GetActiveSession returns the most recently created active session. Ties on
// the creation timestamp fall back to the id so every client picks the same row.
func (p *GormStore) GetActiveSession(ctx context.Context, roomID string) (*models.GameSession, error) {
	var s models.GameSession
	err := p.db.WithContext(ctx).
		Where("room_id = ? AND status = ?", roomID, models.SessionActive).
		Order("created_at DESC").
		Order("id DESC").
		First(&s).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (p *GormStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) (bool, error) {
	result := p.db.WithContext(ctx).Model(&models.GameSession{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Update("status", status)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (p *GormStore) UpdateSessionPhase(ctx context.Context, id, phase string, voteRound int, eliminated string, progress int) (bool, error) {
	result := p.db.WithContext(ctx).Model(&models.GameSession{}).
		Where("id = ? AND status = ? AND progress < ?", id, models.SessionActive, progress).
		Updates(map[string]interface{}{
			"phase":      phase,
			"vote_round": voteRound,
			"eliminated": eliminated,
			"progress":   progress,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (p *GormStore) CreateRound(ctx context.Context, r *models.Round) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Round{}).
			Where("session_id = ? AND active = ? AND id <> ?", r.SessionID, true, r.ID).
			Update("active", false).Error; err != nil {
			return err
		}
		r.Active = true
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(r).Error
	})
}

func (p *GormStore) GetActiveRound(ctx context.Context, sessionID string) (*models.Round, error) {
	var r models.Round
	err := p.db.WithContext(ctx).
		Where("session_id = ? AND active = ?", sessionID, true).
		Order("created_at DESC").
		First(&r).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (p *GormStore) MarkRoundRevealed(ctx context.Context, roundID string, at time.Time) error {
	return p.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ? AND revealed_at IS NULL", roundID).
		Update("revealed_at", at).Error
}

func (p *GormStore) CloseRound(ctx context.Context, roundID string) error {
	return p.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ?", roundID).
		Update("active", false).Error
}

// UpsertAnswer replaces any earlier answer for the same (round, participant).
func (p *GormStore) UpsertAnswer(ctx context.Context, a *models.Answer) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "round_id"}, {Name: "participant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(a).Error
}

func (p *GormStore) ListAnswers(ctx context.Context, roundID string) ([]models.Answer, error) {
	var answers []models.Answer
	err := p.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("participant_id ASC").
		Find(&answers).Error
	return answers, err
}

func (p *GormStore) SaveAssignments(ctx context.Context, as []models.Assignment) error {
	if len(as) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&as).Error
}

func (p *GormStore) ListAssignments(ctx context.Context, sessionID string) ([]models.Assignment, error) {
	var as []models.Assignment
	err := p.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("participant_id ASC").
		Find(&as).Error
	return as, err
}

// SaveVote keeps the first vote per (session, voter, round).
func (p *GormStore) SaveVote(ctx context.Context, v *models.Vote) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(v).Error
}

func (p *GormStore) ListVotes(ctx context.Context, sessionID string, roundNumber int) ([]models.Vote, error) {
	var votes []models.Vote
	err := p.db.WithContext(ctx).
		Where("session_id = ? AND round_number = ?", sessionID, roundNumber).
		Order("voter_id ASC").
		Find(&votes).Error
	return votes, err
}

func (p *GormStore) SaveGuess(ctx context.Context, g *models.Guess) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(g).Error
}

func (p *GormStore) GetGuess(ctx context.Context, sessionID string) (*models.Guess, error) {
	var g models.Guess
	if err := p.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at, id").First(&g).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

// Close 关闭数据库连接
func (p *GormStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
