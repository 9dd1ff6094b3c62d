package servitor

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"sort"
	"time"
)

const (
	AchievementApplication   = "Application"
	AchievementAwkward       = "Awkward"
	AchievementBold          = "Bold"
	AchievementCooldown      = "Cooldown!"
	AchievementHappyBirthday = "Happy birthday"
	AchievementLevel         = "Level"
	AchievementSuggestion    = "Suggestion"
	AchievementVote          = "Vote"

	CounterQuizScore     = "quiz_score"
	CounterQuizQuestions = "quiz_questions"
	CounterTriviaScore   = "trivia_score"
	// CounterTriviaRounds counts the trivia rounds a member started,
	// whatever their outcome
	CounterTriviaRounds = "trivia_rounds"
)

// achievementDescriptions is the catalog of achievements which can be
// granted, shown by /achievements
var achievementDescriptions = map[string]string{
	AchievementApplication:   "You used at least once an apps command.",
	AchievementAwkward:       "You created an error while using a command.",
	AchievementBold:          "You tried a command that was over your permissions.",
	AchievementCooldown:      "You used a command twice too fast.",
	AchievementHappyBirthday: "You added your birth day with /anniv add.",
	AchievementLevel:         "You checked your level or someone else's level at least once.",
	AchievementSuggestion:    "You submitted at least one suggestion with /suggest.",
	AchievementVote:          "You added a vote at least once to a suggestion.",
}

// AchievementDescription renders an achievement for display
func AchievementDescription(name string) string {
	desc, ok := achievementDescriptions[name]
	if !ok {
		return fmt.Sprintf("__**%s**__", name)
	}
	return fmt.Sprintf("__**%s:**__ %s", name, desc)
}

// Achievement is granted to a user at most once per guild
//
//nolint:lll // struct tags can't be split
type Achievement struct {
	ModelUintID
	GuildID   string `gorm:"type:string;not null;uniqueIndex:idx_achievement" json:"guild_id"`
	UserID    string `gorm:"type:string;not null;uniqueIndex:idx_achievement" json:"user_id"`
	Name      string `gorm:"type:string;not null;uniqueIndex:idx_achievement" json:"name"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (Achievement) TableName() string {
	return "achievements"
}

// AchievementCounter is a named per-user, per-guild count, like a
// quiz score
//
//nolint:lll // struct tags can't be split
type AchievementCounter struct {
	ModelUintID
	GuildID string `gorm:"type:string;not null;uniqueIndex:idx_achievement_counter" json:"guild_id"`
	UserID  string `gorm:"type:string;not null;uniqueIndex:idx_achievement_counter" json:"user_id"`
	Name    string `gorm:"type:string;not null;uniqueIndex:idx_achievement_counter" json:"name"`
	Count   int64  `gorm:"not null;default:0" json:"count"`
	ModelUnixTime
}

func (AchievementCounter) TableName() string {
	return "achievement_counters"
}

// Ledger records achievements and score counters
type Ledger struct {
	db     DBI
	logger *slog.Logger
}

func NewLedger(db DBI, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger.With(loggerNameKey, "ledger")}
}

// Grant gives the user the named achievement. granted is false if the
// user already had it.
func (l *Ledger) Grant(ctx context.Context, guildID, userID, name string) (granted bool, err error) {
	var rows int64
	err = l.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
				&Achievement{GuildID: guildID, UserID: userID, Name: name},
			)
			rows = rv.RowsAffected
			return rv.Error
		},
	)
	if err != nil {
		return false, fmt.Errorf("error granting achievement %q: %w", name, err)
	}
	if rows > 0 {
		l.logger.InfoContext(
			ctx,
			"granted achievement",
			columnGuildID, guildID,
			"user_id", userID,
			"achievement", name,
		)
	}
	return rows > 0, nil
}

// IncrementCounter adds one to the named counter, and returns its new value
func (l *Ledger) IncrementCounter(ctx context.Context, guildID, userID, name string) (int64, error) {
	return l.AddToCounter(ctx, guildID, userID, name, 1)
}

// AddToCounter adds delta to the named counter, creating it if needed,
// and returns its new value
func (l *Ledger) AddToCounter(
	ctx context.Context,
	guildID, userID, name string,
	delta int64,
) (int64, error) {
	var counter AchievementCounter
	err := l.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			err := tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{
						{Name: columnGuildID},
						{Name: "user_id"},
						{Name: "name"},
					},
					DoUpdates: clause.Assignments(
						map[string]any{
							"count":      gorm.Expr("achievement_counters.count + ?", delta),
							"updated_at": time.Now().UnixMilli(),
						},
					),
				},
			).Create(
				&AchievementCounter{
					GuildID: guildID,
					UserID:  userID,
					Name:    name,
					Count:   delta,
				},
			).Error
			if err != nil {
				return err
			}
			return tx.Where(
				"guild_id = ? AND user_id = ? AND name = ?",
				guildID,
				userID,
				name,
			).Take(&counter).Error
		},
	)
	if err != nil {
		return 0, fmt.Errorf("error incrementing counter %q: %w", name, err)
	}
	return counter.Count, nil
}

// ResetCounter sets the named counter back to zero
func (l *Ledger) ResetCounter(ctx context.Context, guildID, userID, name string) error {
	_, err := l.db.UpdatesWhere(
		ctx,
		&AchievementCounter{},
		map[string]any{"count": 0},
		"guild_id = ? AND user_id = ? AND name = ?",
		guildID,
		userID,
		name,
	)
	if err != nil {
		return fmt.Errorf("error resetting counter %q: %w", name, err)
	}
	return nil
}

// CounterRank returns the user's 1-based rank among the guild's
// non-zero counters with the given name, and how many there are. Ties
// share a rank. rank is 0 if the user's counter is zero.
func (l *Ledger) CounterRank(
	ctx context.Context,
	guildID, userID, name string,
) (rank int64, total int64, err error) {
	count, err := l.Counter(ctx, guildID, userID, name)
	if err != nil {
		return 0, 0, err
	}
	db := l.db.DB().WithContext(ctx)
	err = db.Model(&AchievementCounter{}).Where(
		"guild_id = ? AND name = ? AND count > 0",
		guildID,
		name,
	).Count(&total).Error
	if err != nil || count <= 0 {
		return 0, total, err
	}
	var ahead int64
	err = db.Model(&AchievementCounter{}).Where(
		"guild_id = ? AND name = ? AND count > ?",
		guildID,
		name,
		count,
	).Count(&ahead).Error
	return ahead + 1, total, err
}

// Counter returns the value of the named counter, or 0 if it was
// never incremented
func (l *Ledger) Counter(ctx context.Context, guildID, userID, name string) (int64, error) {
	var counter AchievementCounter
	err := l.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ? AND name = ?",
		guildID,
		userID,
		name,
	).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return counter.Count, err
}

// Achievements returns the names of the user's achievements, sorted
func (l *Ledger) Achievements(ctx context.Context, guildID, userID string) ([]string, error) {
	var names []string
	err := l.db.DB().WithContext(ctx).Model(&Achievement{}).Where(
		"guild_id = ? AND user_id = ?",
		guildID,
		userID,
	).Pluck("name", &names).Error
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Leaderboard returns the top counters with the given name in the guild,
// highest first
func (l *Ledger) Leaderboard(
	ctx context.Context,
	guildID string,
	name string,
	limit int,
) ([]AchievementCounter, error) {
	var counters []AchievementCounter
	err := l.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND name = ? AND count > 0",
		guildID,
		name,
	).Order("count desc, updated_at asc").Limit(limit).Find(&counters).Error
	return counters, err
}

// grant is Grant for callers which only log failures
func (l *Ledger) grant(ctx context.Context, guildID, userID, name string) {
	if guildID == "" || userID == "" {
		return
	}
	if _, err := l.Grant(ctx, guildID, userID, name); err != nil {
		l.logger.ErrorContext(ctx, "error granting achievement", "achievement", name, tint.Err(err))
	}
}

// incrementCounter is IncrementCounter for callers which only log failures
func (l *Ledger) incrementCounter(ctx context.Context, guildID, userID, name string) {
	if guildID == "" || userID == "" {
		return
	}
	if _, err := l.IncrementCounter(ctx, guildID, userID, name); err != nil {
		l.logger.ErrorContext(ctx, "error incrementing counter", "counter", name, tint.Err(err))
	}
}
