package servitor

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

const quizboardSize = 10

func (s *Servitor) runAchievements(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	names, err := s.ledger.Achievements(ctx, i.GuildID, u.ID)
	if err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error listing achievements", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	respond(ctx, handler, ephemeralResponse(achievementsMessage(names)))
}

func achievementsMessage(names []string) string {
	list := "\nNo achievement"
	if len(names) > 0 {
		descriptions := make([]string, 0, len(names))
		for _, name := range names {
			descriptions = append(descriptions, AchievementDescription(name))
		}
		list = strings.Join(descriptions, "\n")
	}
	return fmt.Sprintf(
		"Your achievements (%d):\n%s\n\n"+
			"Please keep those informations a secret to keep this system entertaining.",
		len(names),
		list,
	)
}

// runQuizboard shows the guild's top quiz scores
func (s *Servitor) runQuizboard(ctx context.Context, handler InteractionHandler, _ *discordgo.User) {
	i := handler.GetInteraction()
	top, err := s.ledger.Leaderboard(ctx, i.GuildID, CounterQuizScore, quizboardSize)
	if err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error loading quizboard", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	respond(ctx, handler, embedResponse(quizboardEmbed(top), false))
}

func quizboardEmbed(top []AchievementCounter) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Quizboard",
		Color: 0x00ff00,
	}
	if len(top) == 0 {
		embed.Description = "Nobody has answered a quiz yet."
		return embed
	}
	var b strings.Builder
	for n, c := range top {
		fmt.Fprintf(&b, "%d. <@%s>: %d\n", n+1, c.UserID, c.Count)
	}
	embed.Description = b.String()
	return embed
}
