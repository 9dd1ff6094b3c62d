package servitor

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const notAdminMessage = "You don't have the permission to use this command."

// requireAdministrator replies with a permission error, and grants the
// Bold achievement, if the user isn't an administrator
func (s *Servitor) requireAdministrator(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) bool {
	i := handler.GetInteraction()
	if isAdministrator(i) {
		return true
	}
	s.ledger.grant(ctx, i.GuildID, u.ID, AchievementBold)
	respond(ctx, handler, ephemeralResponse(notAdminMessage))
	return false
}

// updateGuildSettings applies upd, and notifies other instances so they
// drop their cached copy
func (s *Servitor) updateGuildSettings(
	ctx context.Context,
	guildID string,
	upd GuildSettingsUpdate,
) (GuildSettings, error) {
	settings, err := s.guildSettings.Update(ctx, guildID, upd)
	if err != nil {
		return settings, err
	}
	if s.dbNotifier != nil {
		s.dbNotifier.GuildSettingsUpdated(ctx, guildID)
	}
	return settings, nil
}

func (s *Servitor) runSetPunishReq(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if !s.requireAdministrator(ctx, handler, u) {
		return
	}
	i := handler.GetInteraction()
	opt, ok := discordInteractionOptions(i)[optionRequirement]
	if !ok {
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	requirement := int(opt.IntValue())
	if requirement < MinPunishThreshold || requirement > MaxPunishThreshold {
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf(
					"Requirement for punishment must be between %d and %d",
					MinPunishThreshold,
					MaxPunishThreshold,
				),
			),
		)
		return
	}

	if _, err := s.updateGuildSettings(
		ctx,
		i.GuildID,
		GuildSettingsUpdate{PunishThreshold: &requirement},
	); err != nil {
		s.setupFailed(ctx, handler, err)
		return
	}
	respond(
		ctx,
		handler,
		ephemeralResponse(fmt.Sprintf("New requirement for punishment is %d.", requirement)),
	)
}

func (s *Servitor) runSetPunishTime(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if !s.requireAdministrator(ctx, handler, u) {
		return
	}
	i := handler.GetInteraction()
	opt, ok := discordInteractionOptions(i)[optionLength]
	if !ok {
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	length := int(opt.IntValue())
	if length < MinPunishLengthMinutes || length > MaxPunishLengthMinutes {
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf(
					"Length for punishment must be between %d and %d minutes",
					MinPunishLengthMinutes,
					MaxPunishLengthMinutes,
				),
			),
		)
		return
	}

	if _, err := s.updateGuildSettings(
		ctx,
		i.GuildID,
		GuildSettingsUpdate{PunishLengthMinutes: &length},
	); err != nil {
		s.setupFailed(ctx, handler, err)
		return
	}
	respond(
		ctx,
		handler,
		ephemeralResponse(fmt.Sprintf("New length for punishment is %d minutes.", length)),
	)
}

func (s *Servitor) runSetChan(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if !s.requireAdministrator(ctx, handler, u) {
		return
	}
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)
	typeOpt, typeOK := opts[optionChannelType]
	chanOpt, chanOK := opts[optionChannel]
	if !typeOK || !chanOK {
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	channelID, _ := chanOpt.Value.(string)
	channelType := typeOpt.StringValue()

	var upd GuildSettingsUpdate
	switch channelType {
	case channelTypeQuiz:
		upd.QuizChannelID = &channelID
	case channelTypeAnniversary:
		upd.AnniversaryChannelID = &channelID
	case channelTypeVote:
		upd.VoteChannelID = &channelID
	case channelTypeLevel:
		upd.LevelChannelID = &channelID
	default:
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse(fmt.Sprintf("Unknown channel type: %s", channelType)))
		return
	}

	if _, err := s.updateGuildSettings(ctx, i.GuildID, upd); err != nil {
		s.setupFailed(ctx, handler, err)
		return
	}
	respond(
		ctx,
		handler,
		ephemeralResponse(fmt.Sprintf("<#%s> has been set as ***%s***.", channelID, channelType)),
	)
}

func (s *Servitor) runSetTimezone(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if !s.requireAdministrator(ctx, handler, u) {
		return
	}
	i := handler.GetInteraction()
	opt, ok := discordInteractionOptions(i)[optionTimezone]
	if !ok {
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	tz := opt.StringValue()

	if _, err := s.updateGuildSettings(ctx, i.GuildID, GuildSettingsUpdate{Timezone: &tz}); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
			respond(
				ctx,
				handler,
				ephemeralResponse(fmt.Sprintf("%q is not a known timezone. Example: US/Eastern", tz)),
			)
			return
		}
		s.setupFailed(ctx, handler, err)
		return
	}
	respond(ctx, handler, ephemeralResponse(fmt.Sprintf("Your timezone has been set as %s.", tz)))
}

func (s *Servitor) runShowSetup(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if !s.requireAdministrator(ctx, handler, u) {
		return
	}
	i := handler.GetInteraction()
	settings, err := s.guildSettings.Get(ctx, i.GuildID)
	if err != nil {
		s.setupFailed(ctx, handler, err)
		return
	}
	respond(ctx, handler, embedResponse(setupEmbed(settings), true))
}

func channelMention(id string) string {
	if id == "" {
		return "not set"
	}
	return fmt.Sprintf("<#%s>", id)
}

func setupEmbed(settings GuildSettings) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "List of the setup for this server",
		Description: "Setup: Value",
		Color:       0xFFC0CB,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "quiz", Value: channelMention(settings.QuizChannelID)},
			{Name: "anniversary", Value: channelMention(settings.AnniversaryChannelID)},
			{Name: "vote", Value: channelMention(settings.VoteChannelID)},
			{Name: "level", Value: channelMention(settings.LevelChannelID)},
			{Name: "punishreq", Value: fmt.Sprint(settings.PunishThreshold)},
			{Name: "punishtime", Value: fmt.Sprintf("%d minutes", settings.PunishLengthMinutes)},
			{Name: "timezone", Value: settings.Timezone},
		},
	}
}

func (s *Servitor) setupFailed(ctx context.Context, handler InteractionHandler, err error) {
	contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error updating guild settings", tint.Err(err))
	respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
}
