package servitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"time"
)

const (
	DecisionApprove     = "approve"
	DecisionDeny        = "deny"
	DecisionConsiderate = "considerate"

	voteUp   = "⬆️"
	voteDown = "⬇️"

	suggestionMaxLength       = 2000
	suggestionReasonMaxLength = 500

	// threads are archived after three days without activity, with a
	// 30s slowmode
	suggestionThreadArchiveMinutes = 4320
	suggestionThreadSlowmode       = 30

	suggestionColor    = 0x0000FF
	suggestionTimeFmt  = "2006-01-02 15:04:05"
	noVoteChannelReply = "There is no vote channel set. Please contact an admin."
)

var decisionColors = map[string]int{
	DecisionApprove:     0x008000,
	DecisionDeny:        0xFF0000,
	DecisionConsiderate: 0xFCAE1E,
}

var decisionLabels = map[string]string{
	DecisionApprove:     "APPROVED",
	DecisionDeny:        "DENIED",
	DecisionConsiderate: "CONSIDERATED",
}

var errSuggestionDecided = errors.New("suggestion already decided")

// Suggestion is a numbered /suggest post in a guild's vote channel.
// Members vote on it with reactions until an admin takes a decision.
//
//nolint:lll // struct tags can't be split
type Suggestion struct {
	ModelUintID
	GuildID    string `gorm:"type:string;not null;uniqueIndex:idx_suggestion_number" json:"guild_id"`
	Number     int    `gorm:"not null;uniqueIndex:idx_suggestion_number" json:"number"`
	AuthorID   string `gorm:"type:string;not null" json:"author_id"`
	AuthorName string `gorm:"type:string" json:"author_name"`
	Content    string `gorm:"type:text;not null" json:"content"`
	ChannelID  string `gorm:"type:string" json:"channel_id"`
	MessageID  string `gorm:"type:string;index" json:"message_id"`
	ThreadID   string `gorm:"type:string" json:"thread_id,omitempty"`

	// Decision is empty until an admin uses /decision
	Decision  string `gorm:"type:string" json:"decision,omitempty"`
	DecidedBy string `gorm:"type:string" json:"decided_by,omitempty"`
	Reason    string `gorm:"type:text" json:"reason,omitempty"`
	DecidedAt int64  `json:"decided_at,omitempty"`

	ModelUnixTime
	Votes []SuggestionVote `gorm:"foreignKey:SuggestionID;constraint:OnDelete:CASCADE" json:"votes,omitempty"`
}

func (Suggestion) TableName() string {
	return "suggestions"
}

func (s Suggestion) CreatedTime() time.Time {
	return time.UnixMilli(s.CreatedAt)
}

// SuggestionVote is a member's single vote on a suggestion
//
//nolint:lll // struct tags can't be split
type SuggestionVote struct {
	ModelUintID
	SuggestionID uint   `gorm:"not null;uniqueIndex:idx_suggestion_vote" json:"suggestion_id"`
	UserID       string `gorm:"type:string;not null;uniqueIndex:idx_suggestion_vote" json:"user_id"`
	Up           bool   `gorm:"not null" json:"up"`
	CreatedAt    int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (SuggestionVote) TableName() string {
	return "suggestion_votes"
}

// createSuggestion persists s with the guild's next number
func createSuggestion(ctx context.Context, db DBI, s *Suggestion) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			var last sql.NullInt64
			err := tx.Model(&Suggestion{}).
				Where(columnGuildID+" = ?", s.GuildID).
				Select("MAX(number)").
				Row().
				Scan(&last)
			if err != nil {
				return err
			}
			s.Number = int(last.Int64) + 1
			return tx.Create(s).Error
		},
	)
}

func suggestionByNumber(ctx context.Context, db DBI, guildID string, number int) (*Suggestion, error) {
	var s Suggestion
	err := db.DB().WithContext(ctx).
		Where("guild_id = ? AND number = ?", guildID, number).
		Take(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func suggestionByMessage(ctx context.Context, db DBI, guildID, messageID string) (*Suggestion, error) {
	var s Suggestion
	err := db.DB().WithContext(ctx).
		Where("guild_id = ? AND message_id = ?", guildID, messageID).
		Take(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// castVote records the user's vote. If they already voted the other
// way, nothing is recorded and conflict is true.
func castVote(
	ctx context.Context,
	db DBI,
	suggestionID uint,
	userID string,
	up bool,
) (conflict bool, err error) {
	err = db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			var existing SuggestionVote
			findErr := tx.Where(
				"suggestion_id = ? AND user_id = ?",
				suggestionID,
				userID,
			).Take(&existing).Error
			switch {
			case findErr == nil:
				conflict = existing.Up != up
				return nil
			case !errors.Is(findErr, gorm.ErrRecordNotFound):
				return findErr
			}
			return tx.Create(
				&SuggestionVote{SuggestionID: suggestionID, UserID: userID, Up: up},
			).Error
		},
	)
	return conflict, err
}

// retractVote removes the user's vote if it was in the given direction
func retractVote(ctx context.Context, db DBI, suggestionID uint, userID string, up bool) error {
	_, err := db.Delete(
		ctx,
		&SuggestionVote{},
		"suggestion_id = ? AND user_id = ? AND up = ?",
		suggestionID,
		userID,
		up,
	)
	return err
}

func voteTally(ctx context.Context, db DBI, suggestionID uint) (up int64, down int64, err error) {
	q := db.DB().WithContext(ctx).Model(&SuggestionVote{})
	if err = q.Where("suggestion_id = ? AND up = ?", suggestionID, true).Count(&up).Error; err != nil {
		return 0, 0, err
	}
	q = db.DB().WithContext(ctx).Model(&SuggestionVote{})
	err = q.Where("suggestion_id = ? AND up = ?", suggestionID, false).Count(&down).Error
	return up, down, err
}

// decideSuggestion records the decision, unless one was already taken
func decideSuggestion(ctx context.Context, db DBI, s *Suggestion) error {
	rows, err := db.UpdatesWhere(
		ctx,
		&Suggestion{},
		map[string]any{
			"decision":   s.Decision,
			"decided_by": s.DecidedBy,
			"reason":     s.Reason,
			"decided_at": s.DecidedAt,
		},
		"id = ? AND (decision = '' OR decision IS NULL)",
		s.ID,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return errSuggestionDecided
	}
	return nil
}

func suggestionEmbed(s *Suggestion, avatarURL string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Suggestion #%d", s.Number),
		Description: s.Content,
		Color:       suggestionColor,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Suggested by: " + s.AuthorName},
	}
	if avatarURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: avatarURL}
	}
	return embed
}

// applyDecision adds the vote tally and decision to the suggestion's
// embed, and recolors it
func applyDecision(
	embed *discordgo.MessageEmbed,
	s *Suggestion,
	up, down int64,
	loc *time.Location,
) {
	reason := s.Reason
	if reason == "" {
		reason = "None"
	}
	embed.Fields = append(
		embed.Fields,
		&discordgo.MessageEmbedField{
			Name:   "Votes",
			Value:  fmt.Sprintf("%s: %d\n%s: %d", voteUp, up, voteDown, down),
			Inline: true,
		},
		&discordgo.MessageEmbedField{
			Name: "Decision",
			Value: fmt.Sprintf(
				"Suggested by: %s (%s)\n***%s***\nReason: %s",
				s.AuthorName,
				s.CreatedTime().In(loc).Format(suggestionTimeFmt),
				decisionLabels[s.Decision],
				reason,
			),
		},
	)
	embed.Color = decisionColors[s.Decision]
	embed.Footer = &discordgo.MessageEmbedFooter{Text: "Decision made by: " + s.DecidedBy}
	embed.Timestamp = time.UnixMilli(s.DecidedAt).In(loc).Format(time.RFC3339)
}

// runSuggest posts a numbered suggestion in the vote channel, with
// voting reactions and a discussion thread
func (s *Servitor) runSuggest(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, s.logger)

	opt, ok := discordInteractionOptions(i)[optionSuggestion]
	if !ok || opt.StringValue() == "" {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse("Please write a suggestion."))
		return
	}
	content := truncate(opt.StringValue(), suggestionMaxLength)

	settings, err := s.guildSettings.Get(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	if settings.VoteChannelID == "" {
		respond(ctx, handler, ephemeralResponse(noVoteChannelReply))
		return
	}

	sugg := &Suggestion{
		GuildID:    i.GuildID,
		AuthorID:   u.ID,
		AuthorName: memberDisplayName(i.Member, u),
		Content:    content,
		ChannelID:  settings.VoteChannelID,
	}
	if err = createSuggestion(ctx, s.writeDB, sugg); err != nil {
		logger.ErrorContext(ctx, "error creating suggestion", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	logger = logger.With("suggestion_number", sugg.Number)

	msg, err := s.discord.sendEmbed(settings.VoteChannelID, suggestionEmbed(sugg, u.AvatarURL("")))
	if err != nil {
		logger.ErrorContext(ctx, "error posting suggestion", tint.Err(err))
		if _, delErr := s.writeDB.Delete(ctx, &Suggestion{}, "id = ?", sugg.ID); delErr != nil {
			logger.ErrorContext(ctx, "error deleting unposted suggestion", tint.Err(delErr))
		}
		var permErr *DownstreamPermissionError
		if errors.As(err, &permErr) {
			respond(
				ctx,
				handler,
				ephemeralResponse(
					fmt.Sprintf(
						"I don't have the required permissions in <#%s>. Please contact an admin.",
						settings.VoteChannelID,
					),
				),
			)
			return
		}
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	sugg.MessageID = msg.ID

	for _, emoji := range []string{voteUp, voteDown} {
		if reactErr := s.discord.addReaction(msg.ChannelID, msg.ID, emoji); reactErr != nil {
			logger.WarnContext(ctx, "error adding vote reaction", "emoji", emoji, tint.Err(reactErr))
		}
	}

	thread, err := s.discord.startThread(
		msg.ChannelID,
		msg.ID,
		&discordgo.ThreadStart{
			Name:                fmt.Sprintf("Suggestion #%d", sugg.Number),
			AutoArchiveDuration: suggestionThreadArchiveMinutes,
			RateLimitPerUser:    suggestionThreadSlowmode,
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "error starting suggestion thread", tint.Err(err))
	} else {
		sugg.ThreadID = thread.ID
		if _, err = s.discord.sendMessage(
			thread.ID,
			fmt.Sprintf(
				"<@%s> Please use this thread to add any comment and/or file that "+
					"concerns your suggestion.",
				u.ID,
			),
		); err != nil {
			logger.WarnContext(ctx, "error posting in suggestion thread", tint.Err(err))
		}
	}

	if _, err = s.writeDB.UpdatesWhere(
		ctx,
		&Suggestion{},
		map[string]any{"message_id": sugg.MessageID, "thread_id": sugg.ThreadID},
		"id = ?",
		sugg.ID,
	); err != nil {
		logger.ErrorContext(ctx, "error saving suggestion message", tint.Err(err))
	}

	s.ledger.grant(ctx, i.GuildID, u.ID, AchievementSuggestion)
	respond(ctx, handler, ephemeralResponse(fmt.Sprintf("Suggestion #%d confirmed", sugg.Number)))
}

// voteDirection maps a reaction emoji to a vote
func voteDirection(emoji string) (up bool, ok bool) {
	switch emoji {
	case voteUp:
		return true, true
	case voteDown:
		return false, true
	default:
		return false, false
	}
}

// handleReactionAdd records votes on open suggestions. A member voting
// both ways has their second reaction removed.
func (s *Servitor) handleReactionAdd(ctx context.Context, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil || r.GuildID == "" || r.UserID == s.discord.config.ApplicationID {
		return
	}
	if r.Member != nil && r.Member.User != nil && r.Member.User.Bot {
		return
	}
	up, ok := voteDirection(r.Emoji.Name)
	if !ok {
		return
	}
	logger := contextLoggerOr(ctx, s.logger).With("message_id", r.MessageID, "user_id", r.UserID)

	sugg, err := suggestionByMessage(ctx, s.writeDB, r.GuildID, r.MessageID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return
	case err != nil:
		logger.ErrorContext(ctx, "error looking up suggestion", tint.Err(err))
		return
	case sugg.Decision != "":
		return
	}

	s.ledger.grant(ctx, r.GuildID, r.UserID, AchievementVote)
	conflict, err := castVote(ctx, s.writeDB, sugg.ID, r.UserID, up)
	if err != nil {
		logger.ErrorContext(ctx, "error recording vote", tint.Err(err))
		return
	}
	if !conflict {
		logger.InfoContext(ctx, "vote recorded", "suggestion_number", sugg.Number, "up", up)
		return
	}
	if err = s.discord.removeReaction(r.ChannelID, r.MessageID, r.Emoji.Name, r.UserID); err != nil {
		logger.WarnContext(ctx, "error removing conflicting vote", tint.Err(err))
	}
}

// handleReactionRemove drops the vote matching a removed reaction
func (s *Servitor) handleReactionRemove(ctx context.Context, r *discordgo.MessageReactionRemove) {
	if r.MessageReaction == nil || r.GuildID == "" {
		return
	}
	up, ok := voteDirection(r.Emoji.Name)
	if !ok {
		return
	}
	sugg, err := suggestionByMessage(ctx, s.writeDB, r.GuildID, r.MessageID)
	if err != nil || sugg.Decision != "" {
		return
	}
	if err = retractVote(ctx, s.writeDB, sugg.ID, r.UserID, up); err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error retracting vote", tint.Err(err))
	}
}

// runDecision closes a suggestion: the tally and decision are added to
// its embed, and the voting reactions are cleared
func (s *Servitor) runDecision(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	if !s.requireAdministrator(ctx, handler, u) {
		return
	}
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, s.logger)

	opts := discordInteractionOptions(i)
	numberOpt, numberOK := opts[optionNumber]
	resultOpt, resultOK := opts[optionResult]
	if !numberOK || !resultOK {
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	number := int(numberOpt.IntValue())
	decision := resultOpt.StringValue()
	if _, known := decisionLabels[decision]; !known {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(ctx, handler, ephemeralResponse(fmt.Sprintf("Invalid decision (%s).", decision)))
		return
	}

	sugg, err := suggestionByNumber(ctx, s.writeDB, i.GuildID, number)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		respond(ctx, handler, ephemeralResponse(fmt.Sprintf("Suggestion #%d not found.", number)))
		return
	case err != nil:
		logger.ErrorContext(ctx, "error looking up suggestion", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	case sugg.Decision != "":
		respond(ctx, handler, alreadyDecided(sugg))
		return
	}

	sugg.Decision = decision
	sugg.DecidedBy = memberDisplayName(i.Member, u)
	sugg.DecidedAt = time.Now().UnixMilli()
	if opt, ok := opts[optionReason]; ok {
		sugg.Reason = truncate(opt.StringValue(), suggestionReasonMaxLength)
	}

	if err = decideSuggestion(ctx, s.writeDB, sugg); err != nil {
		if errors.Is(err, errSuggestionDecided) {
			if current, e := suggestionByNumber(ctx, s.writeDB, i.GuildID, number); e == nil {
				respond(ctx, handler, alreadyDecided(current))
				return
			}
		}
		logger.ErrorContext(ctx, "error saving decision", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}

	up, down, err := voteTally(ctx, s.writeDB, sugg.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error counting votes", tint.Err(err))
	}
	settings, err := s.guildSettings.Get(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
	}

	embed, err := s.discord.anchorEmbed(sugg.ChannelID, sugg.MessageID)
	if err == nil {
		applyDecision(embed, sugg, up, down, settings.Location())
		err = s.discord.editEmbed(sugg.ChannelID, sugg.MessageID, embed)
	}
	switch {
	case errors.Is(err, ErrAnchorMessageGone):
		logger.WarnContext(ctx, "suggestion message is gone", tint.Err(err))
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf(
					"Suggestion #%d was set as %s, but its message was deleted.",
					number,
					decision,
				),
			),
		)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error editing suggestion", tint.Err(err))
	}

	if err = s.discord.clearReactions(sugg.ChannelID, sugg.MessageID); err != nil {
		logger.WarnContext(ctx, "error clearing vote reactions", tint.Err(err))
	}
	respond(ctx, handler, ephemeralResponse(fmt.Sprintf("Embed message set as %s.", decision)))
}

func alreadyDecided(s *Suggestion) *discordgo.InteractionResponse {
	return ephemeralResponse(
		fmt.Sprintf("Suggestion #%d has already been set as: %s.", s.Number, s.Decision),
	)
}
