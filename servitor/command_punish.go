package servitor

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	punishEmbedTitle      = "Punishment"
	punishFieldStartedBy  = "Timer started by"
	punishFieldList       = "list"
	punishFieldTimeout    = "TIMEOUT!"
	punishFieldTimesUp    = "Time's up!"
	punishTimeFormat      = "01/02 - 15:04"
	punishNoPermissionMsg = "I don't have the permissions to moderate members."
)

// punishWindow is how long a punishment vote stays open
var punishWindow = 5 * time.Minute

// punishmentHandler runs /punish votes. The anchor embed lists the
// voters, and the target is timed out when the guild's threshold is
// reached before the window elapses.
type punishmentHandler struct {
	discord *Discord
	logger  *slog.Logger
	window  time.Duration
	now     func() time.Time
}

func (h *punishmentHandler) StepWindow(Session) time.Duration {
	return h.window
}

func (*punishmentHandler) StepCount(Session) int {
	return 1
}

func (*punishmentHandler) AdvanceStep(context.Context, Session) error {
	return nil
}

// Contributed re-renders the anchor embed with the new voter
func (h *punishmentHandler) Contributed(_ context.Context, s Session, c Contribution) error {
	if !c.Added {
		return nil
	}
	return h.discord.editEmbed(s.ChannelID, s.AnchorMessageID, punishmentEmbed(s))
}

func (h *punishmentHandler) Resolve(ctx context.Context, s Session, outcome Outcome) error {
	logger := contextLoggerOr(ctx, h.logger)

	embed := punishmentEmbed(s)
	if anchor, err := h.discord.anchorEmbed(s.ChannelID, s.AnchorMessageID); err != nil {
		if errors.Is(err, ErrAnchorMessageGone) {
			return err
		}
		logger.WarnContext(ctx, "error fetching punishment embed, rendering from state", tint.Err(err))
	} else if anchor.Title == punishEmbedTitle {
		embed = anchor
		setEmbedField(embed, punishFieldList, strings.Join(s.ParticipantNames(), "\n"))
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%d/%d", len(s.Participants), s.Payload.Threshold),
		}
	}

	switch outcome.Resolution {
	case ResolutionConsensus:
		until := h.now().Add(time.Duration(s.Payload.TimeoutMinutes) * time.Minute)
		err := h.discord.timeoutMember(s.GuildID, s.TargetID, until)
		var permErr *DownstreamPermissionError
		switch {
		case errors.As(err, &permErr):
			logger.WarnContext(ctx, "missing permission to time out member", tint.Err(err))
			embed.Fields = append(
				embed.Fields,
				&discordgo.MessageEmbedField{
					Name:  punishFieldTimeout,
					Value: fmt.Sprintf("Community united, but I couldn't time out %s.", s.Payload.TargetName),
				},
			)
			if _, sendErr := h.discord.sendMessage(s.ChannelID, punishNoPermissionMsg); sendErr != nil {
				logger.ErrorContext(ctx, "error sending permission failure", tint.Err(sendErr))
			}
		case err != nil:
			logger.ErrorContext(ctx, "error timing out member", tint.Err(err))
			embed.Fields = append(
				embed.Fields,
				&discordgo.MessageEmbedField{
					Name:  punishFieldTimeout,
					Value: fmt.Sprintf("Community united, but I couldn't time out %s.", s.Payload.TargetName),
				},
			)
		default:
			embed.Fields = append(
				embed.Fields,
				&discordgo.MessageEmbedField{
					Name: punishFieldTimeout,
					Value: fmt.Sprintf(
						"Community united! <@%s> is now in timeout for %d minutes",
						s.TargetID,
						s.Payload.TimeoutMinutes,
					),
				},
			)
		}
	default:
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  punishFieldTimesUp,
				Value: fmt.Sprintf("Not enough people used the command against %s.", s.Payload.TargetName),
			},
		)
	}
	return h.discord.editEmbed(s.ChannelID, s.AnchorMessageID, embed)
}

// punishmentEmbed renders the anchor embed of a punishment vote
func punishmentEmbed(s Session) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       punishEmbedTitle,
		Description: "Target: " + s.Payload.TargetName,
		Color:       0x000000,
		Fields: []*discordgo.MessageEmbedField{
			{Name: punishFieldStartedBy, Value: s.Payload.InitiatorName},
			{Name: punishFieldList, Value: strings.Join(s.ParticipantNames(), "\n"), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%d/%d", len(s.Participants), s.Payload.Threshold),
		},
	}
}

func setEmbedField(embed *discordgo.MessageEmbed, name, value string) {
	for _, f := range embed.Fields {
		if f.Name == name {
			f.Value = value
			return
		}
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: name, Value: value})
}

// punishTarget returns the user and member passed as the target option
func punishTarget(i *discordgo.InteractionCreate) (*discordgo.User, *discordgo.Member) {
	opt, ok := discordInteractionOptions(i)[optionTarget]
	if !ok {
		return nil, nil
	}
	id, _ := opt.Value.(string)
	resolved := i.ApplicationCommandData().Resolved
	if id == "" || resolved == nil {
		return nil, nil
	}
	u := resolved.Users[id]
	m := resolved.Members[id]
	if m != nil && m.User == nil {
		m.User = u
	}
	return u, m
}

func isUnknownMember(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) &&
		restErr.Message != nil &&
		restErr.Message.Code == discordgo.ErrCodeUnknownMember
}

// runPunish casts a vote to time out the target member, opening the
// vote if it's the first one
func (s *Servitor) runPunish(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, s.logger)

	target, resolvedMember := punishTarget(i)
	if target == nil {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(
			ctx,
			handler,
			ephemeralResponse("Member not found. Please make sure you're mentioning it correctly."),
		)
		return
	}
	if target.Bot {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse("Please don't punish our bots"))
		return
	}
	if target.ID == u.ID {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse("You can not punish yourself"))
		return
	}

	member, err := s.discord.session.GuildMember(i.GuildID, target.ID)
	switch {
	case isUnknownMember(err):
		respond(
			ctx,
			handler,
			ephemeralResponse(fmt.Sprintf("%s is not a member of this server.", target.Username)),
		)
		return
	case err != nil:
		logger.WarnContext(ctx, "error fetching member, using resolved data", tint.Err(err))
		member = resolvedMember
	}

	settings, err := s.guildSettings.Get(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}

	targetName := memberDisplayName(member, target)
	if member != nil && member.CommunicationDisabledUntil != nil &&
		member.CommunicationDisabledUntil.After(time.Now()) {
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf(
					"%s is already in timeout until %s.",
					targetName,
					member.CommunicationDisabledUntil.In(settings.Location()).Format(punishTimeFormat),
				),
			),
		)
		return
	}

	key := SessionKey{Kind: SessionKindPunishment, GuildID: i.GuildID, TargetID: target.ID}
	voterName := memberDisplayName(i.Member, u)

	if _, err = s.sessions.Get(key); errors.Is(err, ErrSessionNotFound) {
		sess := &Session{
			Kind:        SessionKindPunishment,
			GuildID:     i.GuildID,
			TargetID:    target.ID,
			InitiatorID: u.ID,
			Payload: SessionPayload{
				TargetName:     targetName,
				Threshold:      settings.PunishThreshold,
				TimeoutMinutes: settings.PunishLengthMinutes,
				InitiatorName:  voterName,
			},
			Participants: []SessionParticipant{{UserID: u.ID, Username: voterName}},
		}
		err = s.sessions.Open(
			ctx,
			sess,
			func(_ context.Context, sess *Session) error {
				msg, sendErr := s.discord.sendEmbed(i.ChannelID, punishmentEmbed(*sess))
				if sendErr != nil {
					return sendErr
				}
				sess.ChannelID = i.ChannelID
				sess.AnchorMessageID = msg.ID
				return nil
			},
		)
		switch {
		case err == nil:
			respond(
				ctx,
				handler,
				ephemeralResponse(
					fmt.Sprintf(
						"Timer started for %s. %s is now at 1/%d",
						targetName,
						targetName,
						settings.PunishThreshold,
					),
				),
			)
			return
		case errors.As(err, new(*DownstreamPermissionError)):
			respond(
				ctx,
				handler,
				ephemeralResponse(
					fmt.Sprintf("I don't have the permissions to send embed messages in <#%s>", i.ChannelID),
				),
			)
			return
		case !errors.Is(err, ErrDuplicateSession):
			logger.ErrorContext(ctx, "error opening punishment vote", tint.Err(err))
			respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
			return
		}
		// another vote opened it first
	}

	c, err := s.sessions.Contribute(
		ctx,
		key,
		u.ID,
		voterName,
		func(c Contribution) *Outcome {
			if c.Added && HasReachedThreshold(c.Count, c.Session.Payload.Threshold) {
				return &Outcome{Resolution: ResolutionConsensus}
			}
			return nil
		},
	)
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrAnchorMessageGone):
		respond(
			ctx,
			handler,
			ephemeralResponse(fmt.Sprintf("The vote against %s is no longer open.", targetName)),
		)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error recording punishment vote", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}

	progress := fmt.Sprintf("%s is now at %d/%d", targetName, c.Count, c.Session.Payload.Threshold)
	if !c.Added {
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf("You already used that command on %s. %s", targetName, progress),
			),
		)
		return
	}
	respond(ctx, handler, ephemeralResponse(progress))
}
