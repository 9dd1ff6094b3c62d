package servitor

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"sync"
	"time"
)

// Anniversary is a member's birthday, without the year
//
//nolint:lll // struct tags can't be split
type Anniversary struct {
	ModelUintID
	GuildID string `gorm:"type:string;not null;uniqueIndex:idx_anniversary" json:"guild_id"`
	UserID  string `gorm:"type:string;not null;uniqueIndex:idx_anniversary" json:"user_id"`
	Month   int    `gorm:"not null;index:idx_anniversary_date" json:"month"`
	Day     int    `gorm:"not null;index:idx_anniversary_date" json:"day"`
	ModelUnixTime
}

func (Anniversary) TableName() string {
	return "anniversaries"
}

// validAnniversaryDate reports whether month/day exists in some year
// (February 29 included)
func validAnniversaryDate(month, day int) bool {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}
	switch time.Month(month) {
	case time.April, time.June, time.September, time.November:
		return day <= 30
	case time.February:
		return day <= 29
	default:
		return true
	}
}

func ordinalSuffix(day int) string {
	if day%100 >= 10 && day%100 <= 20 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

func setAnniversary(ctx context.Context, db DBI, guildID, userID string, month, day int) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnGuildID}, {Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"month", "day", "updated_at"}),
				},
			).Create(
				&Anniversary{GuildID: guildID, UserID: userID, Month: month, Day: day},
			).Error
		},
	)
}

func removeAnniversary(ctx context.Context, db DBI, guildID, userID string) (int64, error) {
	return db.Delete(ctx, &Anniversary{}, "guild_id = ? AND user_id = ?", guildID, userID)
}

// anniversariesOn returns the anniversaries in the guild for the given
// month, and day if day is above 0, ordered by day
func anniversariesOn(ctx context.Context, db DBI, guildID string, month, day int) ([]Anniversary, error) {
	q := db.DB().WithContext(ctx).Where("guild_id = ? AND month = ?", guildID, month)
	if day > 0 {
		q = q.Where("day = ?", day)
	}
	var rv []Anniversary
	err := q.Order("day, user_id").Find(&rv).Error
	return rv, err
}

func (s *Servitor) runAnniv(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	opts := i.ApplicationCommandData().Options
	if len(opts) == 0 {
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	sub := opts[0]
	switch sub.Name {
	case subcommandAnnivAdd:
		s.runAnnivAdd(ctx, handler, u, optionMap(sub.Options))
	case subcommandAnnivRemove:
		s.runAnnivRemove(ctx, handler, u)
	default:
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
	}
}

func (s *Servitor) runAnnivAdd(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	i := handler.GetInteraction()
	monthOpt, monthOK := opts[optionMonth]
	dayOpt, dayOK := opts[optionDay]
	if !monthOK || !dayOK {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse("Month must be 1~12 and Day must be 1~31"))
		return
	}
	month, day := int(monthOpt.IntValue()), int(dayOpt.IntValue())
	if !validAnniversaryDate(month, day) {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse("Please use a valid date."))
		return
	}

	if err := setAnniversary(ctx, s.writeDB, i.GuildID, u.ID, month, day); err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error saving anniversary", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	s.ledger.grant(ctx, i.GuildID, u.ID, AchievementHappyBirthday)
	respond(
		ctx,
		handler,
		ephemeralResponse(
			fmt.Sprintf(
				"%s has been added/updated to the calender at %s %d%s.",
				u.Username,
				time.Month(month),
				day,
				ordinalSuffix(day),
			),
		),
	)
}

func (s *Servitor) runAnnivRemove(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	if _, err := removeAnniversary(ctx, s.writeDB, i.GuildID, u.ID); err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error removing anniversary", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	respond(
		ctx,
		handler,
		ephemeralResponse(fmt.Sprintf("Removed %s from the anniversaries' calendar.", u.Username)),
	)
}

// anniversaryAnnouncer posts the daily birthday greetings. It runs every
// minute, and posts once per guild per local day, at the first
// activation of the schedule in the guild's timezone.
type anniversaryAnnouncer struct {
	schedule cron.Schedule
	db       DBI
	settings *GuildSettingsCache
	discord  *Discord
	logger   *slog.Logger

	mu   sync.Mutex
	sent map[string]string
}

func newAnniversaryAnnouncer(
	spec string,
	db DBI,
	settings *GuildSettingsCache,
	discord *Discord,
	logger *slog.Logger,
) (*anniversaryAnnouncer, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid anniversary schedule %q: %w", spec, err)
	}
	return &anniversaryAnnouncer{
		schedule: schedule,
		db:       db,
		settings: settings,
		discord:  discord,
		logger:   logger.With(loggerNameKey, "anniversaries"),
		sent:     map[string]string{},
	}, nil
}

// due reports whether today's activation, in local time, has passed
func (a *anniversaryAnnouncer) due(local time.Time) bool {
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	first := a.schedule.Next(midnight.Add(-time.Second))
	return first.YearDay() == local.YearDay() && !local.Before(first)
}

// check posts the greetings for every guild where they're due at now
func (a *anniversaryAnnouncer) check(ctx context.Context, now time.Time) {
	guilds, err := a.settings.All(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "error listing guilds", tint.Err(err))
		return
	}
	for _, g := range guilds {
		if g.AnniversaryChannelID == "" {
			continue
		}
		local := now.In(g.Location())
		date := local.Format(time.DateOnly)
		if !a.due(local) || !a.markSent(g.GuildID, date) {
			continue
		}
		if err = a.announce(ctx, g, local); err != nil {
			a.logger.ErrorContext(ctx, "error announcing anniversaries", columnGuildID, g.GuildID, tint.Err(err))
		}
	}
}

// markSent records that the guild's greetings were handled for date.
// Returns false if they already were.
func (a *anniversaryAnnouncer) markSent(guildID, date string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sent[guildID] == date {
		return false
	}
	a.sent[guildID] = date
	return true
}

func (a *anniversaryAnnouncer) announce(ctx context.Context, g GuildSettings, local time.Time) error {
	var errs []error
	if local.Day() == 1 {
		month, err := anniversariesOn(ctx, a.db, g.GuildID, int(local.Month()), 0)
		switch {
		case err != nil:
			errs = append(errs, err)
		case len(month) > 0:
			embed := &discordgo.MessageEmbed{
				Title:       "Anniversaries for " + local.Month().String(),
				Description: "Coming up:",
				Color:       0xFFC0CB,
			}
			for _, ann := range month {
				embed.Fields = append(
					embed.Fields,
					&discordgo.MessageEmbedField{Value: fmt.Sprintf("<@%s>: %d", ann.UserID, ann.Day)},
				)
			}
			if _, err = a.discord.sendEmbed(g.AnniversaryChannelID, embed); err != nil {
				errs = append(errs, err)
			}
		}
	}

	today, err := anniversariesOn(ctx, a.db, g.GuildID, int(local.Month()), local.Day())
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if len(today) > 0 {
		embed := &discordgo.MessageEmbed{
			Title:       "Anniversaries for " + local.Format(time.DateOnly),
			Description: "HAPPY BIRTHDAY TO:",
			Color:       0xFFC0CB,
		}
		for _, ann := range today {
			embed.Fields = append(
				embed.Fields,
				&discordgo.MessageEmbedField{Value: fmt.Sprintf("<@%s>", ann.UserID)},
			)
		}
		if _, err = a.discord.sendEmbed(g.AnniversaryChannelID, embed); err != nil {
			errs = append(errs, err)
		}
		a.logger.InfoContext(ctx, "announced anniversaries", columnGuildID, g.GuildID, "count", len(today))
	}
	return errors.Join(errs...)
}
