package servitor

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	commandQuizStart     = "quiz_start"
	commandTrivia        = "trivia"
	commandPunish        = "punish"
	commandSetPunishReq  = "setpunishreq"
	commandSetPunishTime = "setpunishtime"
	commandSetChan       = "setchan"
	commandSetTimezone   = "settimezone"
	commandShowSetup     = "showsetup"
	commandAchievements  = "achievements"
	commandQuizboard     = "quizboard"
	commandAnniv         = "anniv"
	commandSuggest       = "suggest"
	commandDecision      = "decision"
	commandLevel         = "level"
	commandLevelboard    = "levelboard"
	commandAddExp        = "addexp"
	commandResetLevel    = "reset_lvl"

	optionQuestion    = "question"
	optionAnswer      = "answer"
	optionTarget      = "target"
	optionRequirement = "requirement"
	optionLength      = "length"
	optionChannelType = "type"
	optionChannel     = "channel"
	optionTimezone    = "timezone"
	optionMonth       = "month"
	optionDay         = "day"
	optionSuggestion  = "suggestion"
	optionNumber      = "number"
	optionResult      = "result"
	optionReason      = "reason"
	optionUser        = "user"
	optionExperience  = "exp"

	subcommandAnnivAdd    = "add"
	subcommandAnnivRemove = "remove"

	channelTypeQuiz        = "quiz"
	channelTypeAnniversary = "anniversary"
	channelTypeVote        = "vote"
	channelTypeLevel       = "level"

	quizQuestionMaxLength = 500
	quizAnswerMaxLength   = 100

	punishAuditLogReason = "Timeout from the community"
)

// Discord manages the discordgo session: connection state, command
// registration, and the calls sessions make to update their anchor
// messages.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	sv                          *Servitor
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession creates the discordgo session
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(attrs, "user_id", r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("Ready", append(attrs, "session_id", r.SessionID)...)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected", sessionUserGroup(s))

		config := d.sv.RuntimeConfig()
		if config.DiscordNotificationChannelID == "" || d.config.StartupMessage == "" {
			return
		}
		_, err := d.session.ChannelMessageSend(
			config.DiscordNotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		)
		if err != nil {
			d.logger.Error("unable to send startup message", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", sessionUserGroup(s))
	}
}

func sessionUserGroup(s *discordgo.Session) slog.Attr {
	var sessionID, userID, username string
	if s != nil && s.State != nil {
		sessionID = s.State.SessionID
		if s.State.User != nil {
			userID = s.State.User.ID
			username = s.State.User.Username
		}
	}
	return slog.Group("session", "id", sessionID, "user_id", userID, "username", username)
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d *Discord) updateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

// sendMessage posts content to the channel, returning the new message
func (d *Discord) sendMessage(channelID, content string) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, truncate(content, discordMaxMessageLength))
	if err != nil {
		return nil, classifyDiscordError("send message", err)
	}
	return msg, nil
}

func (d *Discord) sendEmbed(channelID string, embed *discordgo.MessageEmbed) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed)
	if err != nil {
		return nil, classifyDiscordError("send embed", err)
	}
	return msg, nil
}

// editEmbed replaces the embed of an anchor message. Returns
// ErrAnchorMessageGone if the message was deleted.
func (d *Discord) editEmbed(channelID, messageID string, embed *discordgo.MessageEmbed) error {
	_, err := d.session.ChannelMessageEditEmbed(channelID, messageID, embed)
	if err != nil {
		return classifyDiscordError("edit embed", err)
	}
	return nil
}

// anchorEmbed fetches the first embed of an anchor message
func (d *Discord) anchorEmbed(channelID, messageID string) (*discordgo.MessageEmbed, error) {
	msg, err := d.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, classifyDiscordError("fetch message", err)
	}
	if len(msg.Embeds) == 0 {
		return &discordgo.MessageEmbed{}, nil
	}
	return msg.Embeds[0], nil
}

func (d *Discord) addReaction(channelID, messageID, emoji string) error {
	if err := d.session.MessageReactionAdd(channelID, messageID, emoji); err != nil {
		return classifyDiscordError("add reaction", err)
	}
	return nil
}

func (d *Discord) removeReaction(channelID, messageID, emoji, userID string) error {
	if err := d.session.MessageReactionRemove(channelID, messageID, emoji, userID); err != nil {
		return classifyDiscordError("remove reaction", err)
	}
	return nil
}

func (d *Discord) clearReactions(channelID, messageID string) error {
	if err := d.session.MessageReactionsRemoveAll(channelID, messageID); err != nil {
		return classifyDiscordError("clear reactions", err)
	}
	return nil
}

// startThread opens a public thread on the message
func (d *Discord) startThread(
	channelID, messageID string,
	data *discordgo.ThreadStart,
) (*discordgo.Channel, error) {
	ch, err := d.session.MessageThreadStartComplex(channelID, messageID, data)
	if err != nil {
		return nil, classifyDiscordError("start thread", err)
	}
	return ch, nil
}

// timeoutMember disables communication for the member until the given
// time. A permission failure is returned as a *DownstreamPermissionError.
func (d *Discord) timeoutMember(guildID, userID string, until time.Time) error {
	err := d.session.GuildMemberTimeout(
		guildID,
		userID,
		&until,
		discordgo.WithAuditLogReason(punishAuditLogReason),
	)
	if err != nil {
		return classifyDiscordError("timeout member", err)
	}
	return nil
}

// classifyDiscordError maps REST errors onto the session error taxonomy.
// Unknown message/channel errors become ErrAnchorMessageGone, missing
// permissions become a *DownstreamPermissionError.
func classifyDiscordError(action string, err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return fmt.Errorf("%s: %w", action, err)
	}
	code := 0
	if restErr.Message != nil {
		code = restErr.Message.Code
	}
	status := 0
	if restErr.Response != nil {
		status = restErr.Response.StatusCode
	}

	switch {
	case code == discordgo.ErrCodeUnknownMessage,
		code == discordgo.ErrCodeUnknownChannel,
		code == 0 && status == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", action, ErrAnchorMessageGone, err)
	case code == discordgo.ErrCodeMissingPermissions,
		code == 0 && status == http.StatusForbidden:
		return &DownstreamPermissionError{Action: action, Err: err}
	default:
		return fmt.Errorf("%s: %w", action, err)
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		appCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// appCommands returns every slash command the bot handles
func appCommands() []*discordgo.ApplicationCommand {
	dmPerm := false
	adminPerm := int64(discordgo.PermissionAdministrator)
	guildOnly := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	minQuestion := 1
	minRequirement := float64(MinPunishThreshold)
	maxRequirement := float64(MaxPunishThreshold)
	minLength := float64(MinPunishLengthMinutes)
	maxLength := float64(MaxPunishLengthMinutes)
	minMonth, maxMonth := float64(1), float64(12)
	minDay, maxDay := float64(1), float64(31)
	minNumber := float64(1)
	minExp, maxExp := float64(1), float64(maxAddedExperience)

	guildCommand := func(name, description string, opts ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:         name,
			Description:  description,
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
			Contexts:     &guildOnly,
			Options:      opts,
		}
	}
	adminCommand := func(name, description string, opts ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommand {
		c := guildCommand(name, description, opts...)
		c.DefaultMemberPermissions = &adminPerm
		return c
	}

	return []*discordgo.ApplicationCommand{
		guildCommand(
			commandQuizStart,
			"Start a quiz in the quiz channel",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionQuestion,
				Description: "The question to ask",
				Required:    true,
				MinLength:   &minQuestion,
				MaxLength:   quizQuestionMaxLength,
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionAnswer,
				Description: "The answer to the question",
				Required:    true,
				MinLength:   &minQuestion,
				MaxLength:   quizAnswerMaxLength,
			},
		),
		guildCommand(commandTrivia, "Guess the movie from hints"),
		guildCommand(
			commandPunish,
			"Vote to time out a member",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        optionTarget,
				Description: "The member to punish",
				Required:    true,
			},
		),
		adminCommand(
			commandSetPunishReq,
			"Set the number of votes needed to punish",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optionRequirement,
				Description: "Votes needed",
				Required:    true,
				MinValue:    &minRequirement,
				MaxValue:    maxRequirement,
			},
		),
		adminCommand(
			commandSetPunishTime,
			"Set the length of punishment timeouts",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optionLength,
				Description: "Length in minutes",
				Required:    true,
				MinValue:    &minLength,
				MaxValue:    maxLength,
			},
		),
		adminCommand(
			commandSetChan,
			"Set the channel used by a feature",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionChannelType,
				Description: "Which feature",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: channelTypeQuiz, Value: channelTypeQuiz},
					{Name: channelTypeAnniversary, Value: channelTypeAnniversary},
					{Name: channelTypeVote, Value: channelTypeVote},
					{Name: channelTypeLevel, Value: channelTypeLevel},
				},
			},
			&discordgo.ApplicationCommandOption{
				Type:         discordgo.ApplicationCommandOptionChannel,
				Name:         optionChannel,
				Description:  "The channel",
				Required:     true,
				ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
			},
		),
		adminCommand(
			commandSetTimezone,
			"Set the server's timezone",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionTimezone,
				Description: "IANA timezone name, ex: US/Eastern",
				Required:    true,
			},
		),
		adminCommand(commandShowSetup, "Show the server's settings"),
		guildCommand(commandAchievements, "Show your achievements"),
		guildCommand(commandQuizboard, "Show the quiz leaderboard"),
		guildCommand(
			commandAnniv,
			"Manage your anniversary",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandAnnivAdd,
				Description: "Add or update your anniversary",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        optionMonth,
						Description: "Month (1-12)",
						Required:    true,
						MinValue:    &minMonth,
						MaxValue:    maxMonth,
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        optionDay,
						Description: "Day (1-31)",
						Required:    true,
						MinValue:    &minDay,
						MaxValue:    maxDay,
					},
				},
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandAnnivRemove,
				Description: "Remove your anniversary",
			},
		),
		guildCommand(
			commandSuggest,
			"Create a suggestion",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionSuggestion,
				Description: "The suggestion you want to submit to be voted on",
				Required:    true,
				MinLength:   &minQuestion,
				MaxLength:   suggestionMaxLength,
			},
		),
		adminCommand(
			commandDecision,
			"Take a decision on a suggestion",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optionNumber,
				Description: "The suggestion's number",
				Required:    true,
				MinValue:    &minNumber,
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionResult,
				Description: "Choose either approve, deny or considerate",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: DecisionApprove, Value: DecisionApprove},
					{Name: DecisionDeny, Value: DecisionDeny},
					{Name: DecisionConsiderate, Value: DecisionConsiderate},
				},
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionReason,
				Description: "An optional reason for the decision",
				MaxLength:   suggestionReasonMaxLength,
			},
		),
		guildCommand(
			commandLevel,
			"Show a member's level",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        optionUser,
				Description: "Defaults to you",
			},
		),
		adminCommand(commandLevelboard, "Show the level leaderboard"),
		adminCommand(
			commandAddExp,
			"Add experience to a member",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        optionUser,
				Description: "The member receiving the experience",
				Required:    true,
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optionExperience,
				Description: "The amount of experience (1-1000)",
				Required:    true,
				MinValue:    &minExp,
				MaxValue:    maxExp,
			},
		),
		adminCommand(
			commandResetLevel,
			"Reset a member's level",
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        optionUser,
				Description: "The member to reset",
				Required:    true,
			},
		),
	}
}

// DiscordSessionHandler defines the methods of discordgo.Session used by
// the bot, so they can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditEmbed replaces a message's embed. Fails with an
	// unknown message REST error if the message was deleted.
	ChannelMessageEditEmbed(
		channelID string,
		messageID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessage(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GuildMember(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	MessageReactionRemove(
		channelID string,
		messageID string,
		emojiID string,
		userID string,
		opts ...discordgo.RequestOption,
	) error

	MessageReactionsRemoveAll(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// MessageThreadStartComplex creates a thread attached to the message
	MessageThreadStartComplex(
		channelID string,
		messageID string,
		data *discordgo.ThreadStart,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// GuildMemberTimeout disables communication for the member until
	// the given time. A nil time removes the timeout.
	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		opts ...discordgo.RequestOption,
	) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
}

func (d DiscordSession) ChannelMessageEditEmbed(
	channelID string,
	messageID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageEditEmbed(channelID, messageID, embed, opts...)
	if err != nil {
		d.logger.Warn(
			"error editing embed",
			"channel_id", channelID,
			"message_id", messageID,
			tint.Err(err),
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, opts...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, opts...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
}

func (d DiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionRemove(channelID, messageID, emojiID, userID, opts...)
}

func (d DiscordSession) MessageReactionsRemoveAll(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionsRemoveAll(channelID, messageID, opts...)
}

func (d DiscordSession) MessageThreadStartComplex(
	channelID string,
	messageID string,
	data *discordgo.ThreadStart,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.MessageThreadStartComplex(channelID, messageID, data, opts...)
	if err != nil {
		d.logger.Warn(
			"error starting thread",
			"channel_id", channelID,
			"message_id", messageID,
			tint.Err(err),
		)
	}
	return ch, err
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	opts ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberTimeout(guildID, userID, until, opts...)
	if err != nil {
		d.logger.Error(
			"error applying member timeout",
			columnGuildID, guildID,
			"user_id", userID,
			tint.Err(err),
		)
	} else {
		d.logger.Info(
			"applied member timeout",
			columnGuildID, guildID,
			"user_id", userID,
			"until", until,
		)
	}
	return err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// memberDisplayName is the member's guild nickname, falling back to
// their global name, then username
func memberDisplayName(m *discordgo.Member, u *discordgo.User) string {
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if u == nil && m != nil {
		u = m.User
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// isAdministrator reports whether the interaction's member has the
// administrator permission
func isAdministrator(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionAdministrator != 0
}
