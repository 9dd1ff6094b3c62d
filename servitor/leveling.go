package servitor

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"math/rand/v2"
	"strings"
	"unicode"
)

const (
	// CounterExperience is a member's total experience in a guild. Their
	// level and progress are derived from it.
	CounterExperience = "experience"

	experiencePerLevel = 1000
	maxAddedExperience = 1000
	levelboardSize     = 10

	// a message is worth a tenth of its characters (rounded up), plus a
	// bonus from messageBonusMin to messageBonusMax
	messageBonusMin = 3
	messageBonusMax = 5
)

var levelUpMessages = []string{
	"Congratulations %[1]s for reaching level %[2]d!",
	"%[1]s is on fire! and also now level %[2]d.",
	"I can't believe it! %[1]s made it to level %[2]d!",
	"DING DING DING! %[1]s just reached level %[2]d!",
	"Snap! Member: %[1]s - level: %[2]d",
}

// messageExperience is the experience earned by a message. Words are
// counted without whitespace, and emojis don't count.
func messageExperience(content string, bonus int) int64 {
	var chars int64
	for _, r := range strings.Join(strings.Fields(content), "") {
		if unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r) || unicode.Is(unicode.Mn, r) {
			continue
		}
		chars++
	}
	return (chars+9)/10 + int64(bonus)
}

// levelOf splits total experience into a level, and the percentage
// towards the next one
func levelOf(total int64) (level int64, progress float64) {
	if total <= 0 {
		return 0, 0
	}
	return total / experiencePerLevel, float64(total%experiencePerLevel) * 100 / experiencePerLevel
}

// Leveling awards experience for guild messages, and announces level
// ups in the guild's level channel
type Leveling struct {
	ledger        *Ledger
	guildSettings *GuildSettingsCache
	discord       *Discord
	logger        *slog.Logger

	// bonus returns the random part of a message's experience
	bonus func() int

	// pick chooses one of n level-up messages
	pick func(n int) int
}

func newLeveling(
	ledger *Ledger,
	guildSettings *GuildSettingsCache,
	discord *Discord,
	logger *slog.Logger,
) *Leveling {
	return &Leveling{
		ledger:        ledger,
		guildSettings: guildSettings,
		discord:       discord,
		logger:        logger.With(loggerNameKey, "leveling"),
		bonus: func() int {
			return messageBonusMin + rand.IntN(messageBonusMax-messageBonusMin+1)
		},
		pick: rand.IntN,
	}
}

// awardMessage gives the author experience for a guild message
func (l *Leveling) awardMessage(ctx context.Context, m *discordgo.Message) {
	if strings.TrimSpace(m.Content) == "" {
		return
	}
	if _, err := l.addExperience(
		ctx,
		m.GuildID,
		m.Author.ID,
		messageExperience(m.Content, l.bonus()),
	); err != nil {
		contextLoggerOr(ctx, l.logger).ErrorContext(ctx, "error awarding experience", tint.Err(err))
	}
}

// addExperience adds amount to the member's experience, announcing a
// level up if one was crossed. It returns the new total.
func (l *Leveling) addExperience(ctx context.Context, guildID, userID string, amount int64) (int64, error) {
	total, err := l.ledger.AddToCounter(ctx, guildID, userID, CounterExperience, amount)
	if err != nil {
		return 0, err
	}
	before, _ := levelOf(total - amount)
	after, _ := levelOf(total)
	if after > before {
		l.announceLevelUp(ctx, guildID, userID, after)
	}
	return total, nil
}

func (l *Leveling) announceLevelUp(ctx context.Context, guildID, userID string, level int64) {
	logger := contextLoggerOr(ctx, l.logger).With(columnGuildID, guildID, "user_id", userID)
	logger.InfoContext(ctx, "member leveled up", "level", level)

	settings, err := l.guildSettings.Get(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
		return
	}
	if settings.LevelChannelID == "" {
		return
	}
	msg := fmt.Sprintf(levelUpMessages[l.pick(len(levelUpMessages))], "<@"+userID+">", level)
	if _, err = l.discord.sendMessage(settings.LevelChannelID, msg); err != nil {
		logger.WarnContext(ctx, "error announcing level up", tint.Err(err))
	}
}

// optionUserTarget returns the user passed as the user option, or nil
func optionUserTarget(i *discordgo.InteractionCreate) *discordgo.User {
	opt, ok := discordInteractionOptions(i)[optionUser]
	if !ok {
		return nil
	}
	id, _ := opt.Value.(string)
	resolved := i.ApplicationCommandData().Resolved
	if id == "" || resolved == nil {
		return nil
	}
	return resolved.Users[id]
}

// runLevel shows a member's level, rank and progress
func (s *Servitor) runLevel(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, s.logger)

	target := u
	if _, given := discordInteractionOptions(i)[optionUser]; given {
		target = optionUserTarget(i)
	}
	if target == nil {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse("Member not found."))
		return
	}
	if target.Bot {
		respond(ctx, handler, ephemeralResponse("Bots can't have exp."))
		return
	}

	total, err := s.ledger.Counter(ctx, i.GuildID, target.ID, CounterExperience)
	if err != nil {
		logger.ErrorContext(ctx, "error reading experience", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	if total <= 0 {
		respond(ctx, handler, ephemeralResponse("This user has no exp yet."))
		return
	}
	rank, ranked, err := s.ledger.CounterRank(ctx, i.GuildID, target.ID, CounterExperience)
	if err != nil {
		logger.ErrorContext(ctx, "error ranking experience", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}

	s.ledger.grant(ctx, i.GuildID, u.ID, AchievementLevel)
	respond(ctx, handler, embedResponse(levelEmbed(target, total, rank, ranked), true))
}

func levelEmbed(u *discordgo.User, total, rank, ranked int64) *discordgo.MessageEmbed {
	level, progress := levelOf(total)
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return &discordgo.MessageEmbed{
		Title:     name + "'s level",
		Color:     0x0000FF,
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: u.AvatarURL("")},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Level:", Value: fmt.Sprint(level), Inline: true},
			{Name: "Exp:", Value: fmt.Sprintf("%.1f%%", progress), Inline: true},
			{Name: "Rank:", Value: fmt.Sprintf("#%d/%d", rank, ranked), Inline: true},
			{Name: "User:", Value: "<@" + u.ID + ">"},
		},
	}
}

// runLevelboard shows the guild's top members by experience
func (s *Servitor) runLevelboard(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if !s.requireAdministrator(ctx, handler, u) {
		return
	}
	i := handler.GetInteraction()
	top, err := s.ledger.Leaderboard(ctx, i.GuildID, CounterExperience, levelboardSize)
	if err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error loading levelboard", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	respond(ctx, handler, embedResponse(levelboardEmbed(top), false))
}

func levelboardEmbed(top []AchievementCounter) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Levelboard",
		Color: 0x00ff00,
	}
	if len(top) == 0 {
		embed.Description = "Nobody has earned experience yet."
		return embed
	}
	var b strings.Builder
	for n, c := range top {
		level, progress := levelOf(c.Count)
		fmt.Fprintf(&b, "%d: <@%s> - Lvl %d (%.1f%%)\n", n+1, c.UserID, level, progress)
	}
	embed.Description = b.String()
	return embed
}

// runAddExp gives a member experience, as if they'd earned it
func (s *Servitor) runAddExp(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if !s.requireAdministrator(ctx, handler, u) {
		return
	}
	i := handler.GetInteraction()
	target := optionUserTarget(i)
	expOpt, ok := discordInteractionOptions(i)[optionExperience]
	if target == nil || !ok {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse("Member not found."))
		return
	}
	if target.Bot {
		respond(ctx, handler, ephemeralResponse("Applications don't participate in exp system."))
		return
	}
	amount := expOpt.IntValue()
	if amount < 1 || amount > maxAddedExperience {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf("%d is out of range. Must be from 1 to %d.", amount, maxAddedExperience),
			),
		)
		return
	}

	if _, err := s.leveling.addExperience(ctx, i.GuildID, target.ID, amount); err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error adding experience", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	respond(
		ctx,
		handler,
		ephemeralResponse(fmt.Sprintf("Added %d experience to %s.", amount, target.Username)),
	)
}

// runResetLevel sets a member's experience back to zero
func (s *Servitor) runResetLevel(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if !s.requireAdministrator(ctx, handler, u) {
		return
	}
	i := handler.GetInteraction()
	target := optionUserTarget(i)
	if target == nil {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse("Member not found."))
		return
	}
	if target.Bot {
		respond(ctx, handler, ephemeralResponse("Bots don't have experience."))
		return
	}
	if err := s.ledger.ResetCounter(ctx, i.GuildID, target.ID, CounterExperience); err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error resetting experience", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	respond(
		ctx,
		handler,
		ephemeralResponse(fmt.Sprintf("%s's experience has been reset to 0.", target.Username)),
	)
}
