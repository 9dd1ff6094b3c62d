package servitor

import (
	"context"
	"errors"
	"fmt"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"strconv"
	"sync"
	"time"
	_ "time/tzdata"
)

const (
	DefaultPunishThreshold     = 10
	MinPunishThreshold         = 3
	MaxPunishThreshold         = 50
	DefaultPunishLengthMinutes = 10
	MinPunishLengthMinutes     = 1
	MaxPunishLengthMinutes     = 40320
	DefaultGuildTimezone       = "US/Eastern"
)

// GuildSettings holds the admin-configured settings for a single guild
//
//nolint:lll // struct tags can't be split
type GuildSettings struct {
	GuildID string `gorm:"primaryKey;type:string" json:"guild_id"`
	ModelUnixTime

	// QuizChannelID is where quiz and trivia sessions are announced and answered
	QuizChannelID string `gorm:"type:string" json:"quiz_channel_id"`

	// AnniversaryChannelID receives the daily birthday announcements
	AnniversaryChannelID string `gorm:"type:string" json:"anniversary_channel_id"`

	// VoteChannelID is where /suggest posts suggestions to be voted on
	VoteChannelID string `gorm:"type:string" json:"vote_channel_id"`

	// LevelChannelID receives level-up announcements. Nothing is
	// announced if it's empty.
	LevelChannelID string `gorm:"type:string" json:"level_channel_id"`

	// PunishThreshold is the number of votes needed to time out a member
	PunishThreshold int `gorm:"not null;default:10;check:punish_threshold >= 3 AND punish_threshold <= 50" json:"punish_threshold"`

	// PunishLengthMinutes is the length of a community timeout
	PunishLengthMinutes int `gorm:"not null;default:10" json:"punish_length_minutes"`

	// Timezone is an IANA zone name, used for displayed times and the
	// anniversary schedule
	Timezone string `gorm:"type:string;not null;default:'US/Eastern'" json:"timezone"`
}

func (GuildSettings) TableName() string {
	return "guild_settings"
}

func (g GuildSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnGuildID, g.GuildID),
		slog.String("quiz_channel_id", g.QuizChannelID),
		slog.String("anniversary_channel_id", g.AnniversaryChannelID),
		slog.String("vote_channel_id", g.VoteChannelID),
		slog.String("level_channel_id", g.LevelChannelID),
		slog.Int("punish_threshold", g.PunishThreshold),
		slog.Int("punish_length_minutes", g.PunishLengthMinutes),
		slog.String("timezone", g.Timezone),
	)
}

// Location returns the guild's timezone, or UTC if it can't be loaded
func (g GuildSettings) Location() *time.Location {
	if g.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func DefaultGuildSettings(guildID string) GuildSettings {
	return GuildSettings{
		GuildID:             guildID,
		PunishThreshold:     DefaultPunishThreshold,
		PunishLengthMinutes: DefaultPunishLengthMinutes,
		Timezone:            DefaultGuildTimezone,
	}
}

// GuildSettingsUpdate is a partial update to [GuildSettings]. Nil fields
// are left unchanged. An empty channel ID clears the channel.
//
//nolint:lll // struct tags can't be split
type GuildSettingsUpdate struct {
	QuizChannelID        *string `json:"quiz_channel_id,omitempty" binding:"omitnil,max=32"`
	AnniversaryChannelID *string `json:"anniversary_channel_id,omitempty" binding:"omitnil,max=32"`
	VoteChannelID        *string `json:"vote_channel_id,omitempty" binding:"omitnil,max=32"`
	LevelChannelID       *string `json:"level_channel_id,omitempty" binding:"omitnil,max=32"`
	PunishThreshold      *int    `json:"punish_threshold,omitempty" binding:"omitnil,min=3,max=50"`
	PunishLengthMinutes  *int    `json:"punish_length_minutes,omitempty" binding:"omitnil,min=1,max=40320"`
	Timezone             *string `json:"timezone,omitempty" binding:"omitnil,min=1,max=64"`
}

func (u GuildSettingsUpdate) validate() error {
	return structValidator.Struct(u)
}

// apply copies the non-nil fields of u onto g
func (u GuildSettingsUpdate) apply(g *GuildSettings) {
	if u.QuizChannelID != nil {
		g.QuizChannelID = *u.QuizChannelID
	}
	if u.AnniversaryChannelID != nil {
		g.AnniversaryChannelID = *u.AnniversaryChannelID
	}
	if u.VoteChannelID != nil {
		g.VoteChannelID = *u.VoteChannelID
	}
	if u.LevelChannelID != nil {
		g.LevelChannelID = *u.LevelChannelID
	}
	if u.PunishThreshold != nil {
		g.PunishThreshold = *u.PunishThreshold
	}
	if u.PunishLengthMinutes != nil {
		g.PunishLengthMinutes = *u.PunishLengthMinutes
	}
	if u.Timezone != nil {
		g.Timezone = *u.Timezone
	}
}

// validateGuildSettingsUpdate checks that channel IDs are snowflakes and
// that the timezone can be loaded
func validateGuildSettingsUpdate(sl validator.StructLevel) {
	u, ok := sl.Current().Interface().(GuildSettingsUpdate)
	if !ok {
		return
	}
	if u.QuizChannelID != nil && !isSnowflakeOrEmpty(*u.QuizChannelID) {
		sl.ReportError(u.QuizChannelID, "QuizChannelID", "quiz_channel_id", "snowflake", "")
	}
	if u.AnniversaryChannelID != nil && !isSnowflakeOrEmpty(*u.AnniversaryChannelID) {
		sl.ReportError(
			u.AnniversaryChannelID,
			"AnniversaryChannelID",
			"anniversary_channel_id",
			"snowflake",
			"",
		)
	}
	if u.VoteChannelID != nil && !isSnowflakeOrEmpty(*u.VoteChannelID) {
		sl.ReportError(u.VoteChannelID, "VoteChannelID", "vote_channel_id", "snowflake", "")
	}
	if u.LevelChannelID != nil && !isSnowflakeOrEmpty(*u.LevelChannelID) {
		sl.ReportError(u.LevelChannelID, "LevelChannelID", "level_channel_id", "snowflake", "")
	}
	if u.Timezone != nil {
		if _, err := time.LoadLocation(*u.Timezone); err != nil || *u.Timezone == "" {
			sl.ReportError(u.Timezone, "Timezone", "timezone", "timezone", "")
		}
	}
}

func isSnowflakeOrEmpty(s string) bool {
	if s == "" {
		return true
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

type cachedGuildSettings struct {
	settings  GuildSettings
	fetchedAt time.Time
}

// GuildSettingsCache reads [GuildSettings] through a TTL cache. Guilds
// without a row get [DefaultGuildSettings], which aren't persisted until
// the first update.
type GuildSettingsCache struct {
	db      DBI
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]cachedGuildSettings
	now     func() time.Time
	logger  *slog.Logger
}

func NewGuildSettingsCache(db DBI, ttl time.Duration, logger *slog.Logger) *GuildSettingsCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildSettingsCache{
		db:      db,
		ttl:     ttl,
		entries: map[string]cachedGuildSettings{},
		now:     time.Now,
		logger:  logger.With(loggerNameKey, "guild_settings"),
	}
}

// Get returns the settings for guildID
func (c *GuildSettingsCache) Get(ctx context.Context, guildID string) (GuildSettings, error) {
	c.mu.RLock()
	entry, ok := c.entries[guildID]
	c.mu.RUnlock()
	if ok && (c.ttl <= 0 || c.now().Sub(entry.fetchedAt) < c.ttl) {
		return entry.settings, nil
	}

	settings, err := c.load(ctx, guildID)
	if err != nil {
		return settings, err
	}
	c.store(settings)
	return settings, nil
}

func (c *GuildSettingsCache) load(ctx context.Context, guildID string) (GuildSettings, error) {
	var settings GuildSettings
	err := c.db.DB().WithContext(ctx).Where(columnGuildID+" = ?", guildID).Take(&settings).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return DefaultGuildSettings(guildID), nil
	case err != nil:
		return DefaultGuildSettings(guildID), fmt.Errorf("error loading guild settings: %w", err)
	}
	return settings, nil
}

func (c *GuildSettingsCache) store(settings GuildSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[settings.GuildID] = cachedGuildSettings{settings: settings, fetchedAt: c.now()}
}

// Update validates and applies upd to the guild's settings, creating the
// row if needed, and returns the result
func (c *GuildSettingsCache) Update(
	ctx context.Context,
	guildID string,
	upd GuildSettingsUpdate,
) (GuildSettings, error) {
	if err := upd.validate(); err != nil {
		return GuildSettings{}, err
	}

	var settings GuildSettings
	err := c.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			err := tx.Where(columnGuildID+" = ?", guildID).Take(&settings).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				settings = DefaultGuildSettings(guildID)
			case err != nil:
				return err
			}
			upd.apply(&settings)
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnGuildID}},
					UpdateAll: true,
				},
			).Create(&settings).Error
		},
	)
	if err != nil {
		return GuildSettings{}, fmt.Errorf("error updating guild settings: %w", err)
	}
	c.store(settings)
	c.logger.InfoContext(ctx, "updated guild settings", "settings", settings)
	return settings, nil
}

// Invalidate drops the cached settings for guildID, or every guild if
// guildID is empty
func (c *GuildSettingsCache) Invalidate(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if guildID == "" {
		c.entries = map[string]cachedGuildSettings{}
		return
	}
	delete(c.entries, guildID)
}

// All returns the settings of every guild with a stored row
func (c *GuildSettingsCache) All(ctx context.Context) ([]GuildSettings, error) {
	var settings []GuildSettings
	if err := c.db.DB().WithContext(ctx).Order(columnGuildID).Find(&settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}
