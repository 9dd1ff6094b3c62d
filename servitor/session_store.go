package servitor

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionStore persists open sessions, so they survive a restart.
// There's at most one row per [SessionKey].
type SessionStore interface {
	// Create inserts the session and its initial participants. It returns
	// ErrDuplicateSession if a session with the same key already exists.
	Create(ctx context.Context, s *Session) error

	// AddParticipant records userID as a participant, returning the
	// participant count and whether the user was newly added. Adding the
	// same user twice leaves the count unchanged.
	AddParticipant(ctx context.Context, key SessionKey, userID, username string) (
		count int,
		added bool,
		err error,
	)

	// Read returns the session with its participants, or ErrSessionNotFound
	Read(ctx context.Context, key SessionKey) (*Session, error)

	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, key SessionKey) error

	// ListAll returns every open session in the given guild, or in every
	// guild if guildID is empty
	ListAll(ctx context.Context, guildID string) ([]Session, error)

	// SetAnchor records the message representing the session's public state
	SetAnchor(ctx context.Context, key SessionKey, channelID, messageID string) error

	// Advance records the session's current step, and when it started
	Advance(ctx context.Context, key SessionKey, step int, stepStartedAt int64) error
}

type gormSessionStore struct {
	db DBI
}

func NewSessionStore(db DBI) SessionStore {
	return &gormSessionStore{db: db}
}

func whereKey(db *gorm.DB, key SessionKey) *gorm.DB {
	return db.Where(
		"kind = ? AND guild_id = ? AND target_id = ?",
		key.Kind,
		key.GuildID,
		key.TargetID,
	)
}

func preloadParticipants(db *gorm.DB) *gorm.DB {
	return db.Preload(
		"Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("id")
		},
	)
}

func (g *gormSessionStore) Create(ctx context.Context, s *Session) error {
	if s.ID == "" {
		return errors.New("session ID is required")
	}
	participants := s.Participants
	err := g.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Omit(clause.Associations).Create(s).Error; err != nil {
				return err
			}
			if len(participants) == 0 {
				return nil
			}
			for i := range participants {
				participants[i].SessionID = s.ID
			}
			return tx.Create(&participants).Error
		},
	)
	s.Participants = participants
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.Key())
	}
	// not every driver error is translated, so check whether the
	// key is already taken before reporting a generic failure
	if existing, readErr := g.Read(ctx, s.Key()); readErr == nil && existing.ID != s.ID {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.Key())
	}
	return fmt.Errorf("error creating session: %w", err)
}

func (g *gormSessionStore) AddParticipant(
	ctx context.Context,
	key SessionKey,
	userID string,
	username string,
) (count int, added bool, err error) {
	var total int64
	err = g.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var s Session
			if e := whereKey(tx.Select("id"), key).Take(&s).Error; e != nil {
				if errors.Is(e, gorm.ErrRecordNotFound) {
					return ErrSessionNotFound
				}
				return e
			}
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
				&SessionParticipant{
					SessionID: s.ID,
					UserID:    userID,
					Username:  username,
				},
			)
			if rv.Error != nil {
				return rv.Error
			}
			added = rv.RowsAffected > 0
			return tx.Model(&SessionParticipant{}).Where(
				"session_id = ?",
				s.ID,
			).Count(&total).Error
		},
	)
	if err != nil {
		return 0, false, err
	}
	return int(total), added, nil
}

func (g *gormSessionStore) Read(ctx context.Context, key SessionKey) (*Session, error) {
	var s Session
	err := whereKey(preloadParticipants(g.db.DB().WithContext(ctx)), key).Take(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (g *gormSessionStore) Delete(ctx context.Context, key SessionKey) error {
	return g.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var ids []string
			if err := whereKey(tx.Model(&Session{}), key).Pluck("id", &ids).Error; err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			if err := tx.Where("session_id IN ?", ids).Delete(&SessionParticipant{}).Error; err != nil {
				return err
			}
			return tx.Where("id IN ?", ids).Delete(&Session{}).Error
		},
	)
}

func (g *gormSessionStore) ListAll(ctx context.Context, guildID string) ([]Session, error) {
	var sessions []Session
	db := preloadParticipants(g.db.DB().WithContext(ctx)).Order("created_at")
	if guildID != "" {
		db = db.Where("guild_id = ?", guildID)
	}
	if err := db.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (g *gormSessionStore) SetAnchor(
	ctx context.Context,
	key SessionKey,
	channelID string,
	messageID string,
) error {
	_, err := g.db.UpdatesWhere(
		ctx,
		&Session{},
		map[string]any{
			"channel_id":   channelID,
			columnAnchorID: messageID,
		},
		"kind = ? AND guild_id = ? AND target_id = ?",
		key.Kind, key.GuildID, key.TargetID,
	)
	return err
}

func (g *gormSessionStore) Advance(
	ctx context.Context,
	key SessionKey,
	step int,
	stepStartedAt int64,
) error {
	rows, err := g.db.UpdatesWhere(
		ctx,
		&Session{},
		map[string]any{
			columnStep:        step,
			columnStepStarted: stepStartedAt,
		},
		"kind = ? AND guild_id = ? AND target_id = ?",
		key.Kind, key.GuildID, key.TargetID,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}
