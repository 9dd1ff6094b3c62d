package servitor

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testGuildID       = "100000000000000001"
	testChannelID     = "200000000000000001"
	testQuizChannelID = "200000000000000002"
)

var snowflakeSeq atomic.Int64

// newSnowflake returns a unique numeric ID
func newSnowflake() string {
	return strconv.FormatInt(300000000000000000+snowflakeSeq.Add(1), 10)
}

type mockReaction struct {
	ChannelID string
	MessageID string
	Emoji     string
	UserID    string
}

type mockTimeout struct {
	GuildID string
	UserID  string
	Until   *time.Time
}

// mockDiscordSession implements DiscordSessionHandler, keeping sent
// messages so they can be fetched and edited.
type mockDiscordSession struct {
	mu             sync.Mutex
	messages       map[string]*discordgo.Message
	sent           []*discordgo.Message
	edits          []*discordgo.Message
	timeouts       []mockTimeout
	reactions      []mockReaction
	removed        []mockReaction
	cleared        []string
	threads        []*discordgo.Channel
	members        map[string]*discordgo.Member
	responses      map[string][]*discordgo.InteractionResponse
	statuses       []discordgo.UpdateStatusData
	customStatuses []string
	commands       []*discordgo.ApplicationCommand
	identify       discordgo.Identify

	sendErr    error
	editErr    error
	timeoutErr error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		messages:  map[string]*discordgo.Message{},
		members:   map[string]*discordgo.Member{},
		responses: map[string][]*discordgo.InteractionResponse{},
	}
}

func restError(status, code int) *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status, Status: http.StatusText(status)},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: http.StatusText(status)},
	}
}

func (m *mockDiscordSession) addMember(member *discordgo.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.User.ID] = member
}

func (m *mockDiscordSession) Open() error {
	return nil
}

func (m *mockDiscordSession) Close() error {
	return nil
}

func (m *mockDiscordSession) store(msg *discordgo.Message) *discordgo.Message {
	msg.ID = newSnowflake()
	m.messages[msg.ID] = msg
	m.sent = append(m.sent, msg)
	return msg
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return m.store(&discordgo.Message{ChannelID: channelID, Content: message}), nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return m.store(
		&discordgo.Message{ChannelID: channelID, Embeds: []*discordgo.MessageEmbed{embed}},
	), nil
}

func (m *mockDiscordSession) ChannelMessageEditEmbed(
	channelID string,
	messageID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	msg, ok := m.messages[messageID]
	if !ok || msg.ChannelID != channelID {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage)
	}
	msg.Embeds = []*discordgo.MessageEmbed{embed}
	m.edits = append(
		m.edits,
		&discordgo.Message{ID: messageID, ChannelID: channelID, Embeds: msg.Embeds},
	)
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.ChannelID != channelID {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage)
	}
	return msg, nil
}

func (m *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[userID]
	if !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMember)
	}
	return member, nil
}

func (m *mockDiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(
		m.reactions,
		mockReaction{ChannelID: channelID, MessageID: messageID, Emoji: emojiID},
	)
	return nil
}

func (m *mockDiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(
		m.removed,
		mockReaction{ChannelID: channelID, MessageID: messageID, Emoji: emojiID, UserID: userID},
	)
	return nil
}

func (m *mockDiscordSession) MessageReactionsRemoveAll(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, messageID)
	return nil
}

func (m *mockDiscordSession) MessageThreadStartComplex(
	channelID string,
	messageID string,
	data *discordgo.ThreadStart,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[messageID]; !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage)
	}
	thread := &discordgo.Channel{
		ID:               newSnowflake(),
		ParentID:         channelID,
		Name:             data.Name,
		Type:             discordgo.ChannelTypeGuildPublicThread,
		RateLimitPerUser: data.RateLimitPerUser,
	}
	m.threads = append(m.threads, thread)
	return thread, nil
}

func (m *mockDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeoutErr != nil {
		return m.timeoutErr
	}
	m.timeouts = append(m.timeouts, mockTimeout{GuildID: guildID, UserID: userID, Until: until})
	return nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	return commands, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatuses = append(m.customStatuses, status)
	return nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, data)
	return nil
}

func (m *mockDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (m *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[interaction.ID] = append(m.responses[interaction.ID], resp)
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

// response returns the content of the last response to the interaction
func (m *mockDiscordSession) response(t testing.TB, interactionID string) *discordgo.InteractionResponse {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	responses := m.responses[interactionID]
	require.NotEmpty(t, responses, "no response to interaction %s", interactionID)
	return responses[len(responses)-1]
}

// sentTo returns the messages posted in the channel
func (m *mockDiscordSession) sentTo(channelID string) []*discordgo.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rv []*discordgo.Message
	for _, msg := range m.sent {
		if msg.ChannelID == channelID {
			rv = append(rv, msg)
		}
	}
	return rv
}

func (m *mockDiscordSession) timeoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timeouts)
}

func (m *mockDiscordSession) lastEdit() *discordgo.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return nil
	}
	return m.edits[len(m.edits)-1]
}

// newTestServitor returns a Servitor on a fresh sqlite database, with a
// mock discord session and a persisted default runtime config. Nothing
// is listening.
func newTestServitor(t testing.TB) (*Servitor, *mockDiscordSession) {
	t.Helper()
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "unused.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "400000000000000001"
	cfg.API.Secret = fmt.Sprintf("secret_%s", t.Name())
	cfg.Anniversary.Enabled = false
	cfg.Trivia.CatalogFile = ""

	s, err := New(cfg)
	require.NoError(t, err)

	mock := newMockDiscordSession()
	s.discord.session = mock
	s.setDB(setupTestDB(t))
	t.Cleanup(s.sessions.Shutdown)

	rc := DefaultRuntimeConfig()
	_, err = s.writeDB.Create(ctx, &rc)
	require.NoError(t, err)
	s.runtimeConfig = &rc
	s.startedAt = time.Now()

	require.NoError(t, s.initDiscordSession(ctx, &sync.WaitGroup{}))
	return s, mock
}

// setTestAdmin stores admin credentials, as the setup endpoint would
func setTestAdmin(t testing.TB, s *Servitor, username, password string) {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.runtimeConfig.AdminUsername = username
	s.runtimeConfig.AdminPassword = hash
	_, err = s.writeDB.Save(context.Background(), s.runtimeConfig)
	require.NoError(t, err)
	s.pendingSetup.Store(false)
}

func newTestUser(username string) *discordgo.User {
	return &discordgo.User{ID: newSnowflake(), Username: username}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

// newCommandInteraction builds a slash command interaction from u in
// testChannelID
func newCommandInteraction(
	guildID string,
	u *discordgo.User,
	admin bool,
	name string,
	opts ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	var perms int64
	if admin {
		perms = discordgo.PermissionAdministrator
	}
	i := &discordgo.Interaction{
		ID:        newSnowflake(),
		AppID:     "400000000000000001",
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   guildID,
		ChannelID: testChannelID,
		Data: discordgo.ApplicationCommandInteractionData{
			ID:          newSnowflake(),
			Name:        name,
			CommandType: discordgo.ChatApplicationCommand,
			Options:     opts,
		},
	}
	if guildID == "" {
		i.User = u
	} else {
		i.Member = &discordgo.Member{User: u, Permissions: perms}
	}
	return &discordgo.InteractionCreate{Interaction: i}
}

// runInteraction handles i as if received over the gateway, returning
// the response content
func runInteraction(t testing.TB, s *Servitor, mock *mockDiscordSession, i *discordgo.InteractionCreate) string {
	t.Helper()
	ctx := context.Background()
	s.handleInteraction(ctx, s.getInteractionHandlerFunc(ctx, i))
	resp := mock.response(t, i.ID)
	if resp.Data == nil {
		return ""
	}
	return resp.Data.Content
}

func newGuildMessage(channelID string, u *discordgo.User, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        newSnowflake(),
			ChannelID: channelID,
			GuildID:   testGuildID,
			Author:    u,
			Content:   content,
		},
	}
}

func TestServitor_InteractionLogged(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	u := newTestUser("logged")

	i := newCommandInteraction(testGuildID, u, false, commandAchievements)
	runInteraction(t, s, mock, i)

	var logs []InteractionLog
	require.NoError(t, s.db.Where("interaction_id = ?", i.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, commandAchievements, logs[0].Command)
	assert.Equal(t, u.ID, logs[0].UserID)
	assert.Equal(t, discordInteractionReceiveMethodGateway, logs[0].Method)
	assert.Equal(t, testGuildID, logs[0].GuildID)

	granted, err := s.ledger.Achievements(context.Background(), testGuildID, u.ID)
	require.NoError(t, err)
	assert.Contains(t, granted, AchievementApplication)
}

func TestServitor_Ping(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:   newSnowflake(),
			Type: discordgo.InteractionPing,
			User: newTestUser("pinger"),
		},
	}
	s.handleInteraction(context.Background(), s.getInteractionHandlerFunc(context.Background(), i))
	assert.Equal(t, discordgo.InteractionResponsePong, mock.response(t, i.ID).Type)
}

func TestServitor_BotUserIgnored(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	u := newTestUser("robot")
	u.Bot = true

	i := newCommandInteraction(testGuildID, u, false, commandAchievements)
	s.handleInteraction(context.Background(), s.getInteractionHandlerFunc(context.Background(), i))

	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Empty(t, mock.responses[i.ID])
}

func TestServitor_CommandOutsideGuild(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	i := newCommandInteraction("", newTestUser("dm"), false, commandQuizStart)
	assert.Equal(t, "This command can only be used in a server.", runInteraction(t, s, mock, i))
}

func TestServitor_UnknownCommand(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	i := newCommandInteraction(testGuildID, newTestUser("confused"), false, "nope")
	assert.Equal(t, DefaultDiscordErrorMessage, runInteraction(t, s, mock, i))
}

func TestServitor_Cooldown(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	u := newTestUser("hasty")

	first := runInteraction(t, s, mock, newCommandInteraction(testGuildID, u, false, commandAchievements))
	assert.Contains(t, first, "Your achievements")

	second := runInteraction(t, s, mock, newCommandInteraction(testGuildID, u, false, commandAchievements))
	assert.Contains(t, second, "too fast")

	granted, err := s.ledger.Achievements(context.Background(), testGuildID, u.ID)
	require.NoError(t, err)
	assert.Contains(t, granted, AchievementCooldown)
}

func TestServitor_PauseResume(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	ctx := context.Background()

	require.True(t, s.Pause(ctx))
	assert.False(t, s.Pause(ctx))

	var persisted RuntimeConfig
	require.NoError(t, s.db.Last(&persisted).Error)
	assert.True(t, persisted.Paused)

	i := newCommandInteraction(
		testGuildID,
		newTestUser("eager"),
		false,
		commandQuizStart,
		stringOption(optionQuestion, "what?"),
		stringOption(optionAnswer, "that"),
	)
	assert.Equal(t, pausedMessage, runInteraction(t, s, mock, i))

	require.True(t, s.Resume(ctx))
	assert.False(t, s.Resume(ctx))
	require.NoError(t, s.db.Last(&persisted).Error)
	assert.False(t, persisted.Paused)

	mock.mu.Lock()
	defer mock.mu.Unlock()
	require.Len(t, mock.statuses, 1)
	assert.True(t, mock.statuses[0].AFK)
	assert.Equal(t, []string{DefaultDiscordCustomStatus}, mock.customStatuses)
}

func TestServitor_RegisterSlashCommands(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)

	created, err := s.RegisterSlashCommands()
	require.NoError(t, err)
	assert.Len(t, created, len(appCommands()))

	names := make([]string, 0, len(mock.commands))
	for _, c := range mock.commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{
			commandQuizStart, commandTrivia, commandPunish, commandSetPunishReq,
			commandSetPunishTime, commandSetChan, commandSetTimezone, commandShowSetup,
			commandAchievements, commandQuizboard, commandAnniv, commandSuggest,
			commandDecision, commandLevel, commandLevelboard, commandAddExp,
			commandResetLevel,
		},
		names,
	)
}

func TestServitor_IdentifyPresence(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Equal(t, s.config.Discord.GatewayIntents, mock.identify.Intents)
	assert.Equal(t, DefaultDiscordCustomStatus, mock.identify.Presence.Status)
}

func TestServitor_ValidateConfig(t *testing.T) {
	t.Parallel()
	s, _ := newTestServitor(t)
	require.NoError(t, s.ValidateConfig())

	cfg := DefaultConfig()
	cfg.Discord.Token = ""
	missingToken, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, missingToken.ValidateConfig())
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid database type")
}
