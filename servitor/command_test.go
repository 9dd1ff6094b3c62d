package servitor

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"net/http"
	"strings"
	"testing"
	"time"
)

func setQuizChannel(t testing.TB, s *Servitor) {
	t.Helper()
	_, err := s.guildSettings.Update(
		context.Background(),
		testGuildID,
		GuildSettingsUpdate{QuizChannelID: ptr(testQuizChannelID)},
	)
	require.NoError(t, err)
}

func quizStart(u *discordgo.User, question, answer string) *discordgo.InteractionCreate {
	return newCommandInteraction(
		testGuildID,
		u,
		false,
		commandQuizStart,
		stringOption(optionQuestion, question),
		stringOption(optionAnswer, answer),
	)
}

func TestQuizStart_ChannelNotSetup(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	got := runInteraction(t, s, mock, quizStart(newTestUser("asker"), "2+2?", "4"))
	assert.Equal(t, quizChannelNotSetupMessage, got)
	_, err := s.sessions.Get(SessionKey{Kind: SessionKindQuiz, GuildID: testGuildID})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestQuizStart_RoundTrip(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	setQuizChannel(t, s)
	ctx := context.Background()

	asker := newTestUser("asker")
	got := runInteraction(t, s, mock, quizStart(asker, "Capital of France?", "Paris"))
	assert.Contains(t, got, "Your question was posted in <#"+testQuizChannelID+">")

	posted := mock.sentTo(testQuizChannelID)
	require.Len(t, posted, 1)
	assert.Equal(t, "New question from <@"+asker.ID+">:\ncapital of france?", posted[0].Content)

	sess, err := s.sessions.Get(SessionKey{Kind: SessionKindQuiz, GuildID: testGuildID})
	require.NoError(t, err)
	assert.Equal(t, posted[0].ID, sess.AnchorMessageID)
	assert.Equal(t, "paris", sess.Payload.Answer)

	// the asker's own answer, and answers elsewhere, are ignored
	s.handleDiscordMessage(ctx, newGuildMessage(testQuizChannelID, asker, "paris"))
	s.handleDiscordMessage(ctx, newGuildMessage(testChannelID, newTestUser("elsewhere"), "paris"))

	guesser := newTestUser("guesser")
	s.handleDiscordMessage(ctx, newGuildMessage(testQuizChannelID, guesser, "london"))
	_, err = s.sessions.Get(sess.Key())
	require.NoError(t, err, "wrong answer resolved the quiz")

	s.handleDiscordMessage(ctx, newGuildMessage(testQuizChannelID, guesser, "  PARIS "))
	_, err = s.sessions.Get(sess.Key())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	posted = mock.sentTo(testQuizChannelID)
	require.Len(t, posted, 2)
	assert.True(t, strings.HasPrefix(posted[1].Content, "GG <@"+guesser.ID+">!"), posted[1].Content)

	score, err := s.ledger.Counter(ctx, testGuildID, guesser.ID, CounterQuizScore)
	require.NoError(t, err)
	assert.Equal(t, int64(1), score)

	asked, err := s.ledger.Counter(ctx, testGuildID, asker.ID, CounterQuizQuestions)
	require.NoError(t, err)
	assert.Equal(t, int64(1), asked)
}

func TestQuizStart_Duplicate(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	setQuizChannel(t, s)

	runInteraction(t, s, mock, quizStart(newTestUser("first"), "first question", "a"))
	got := runInteraction(t, s, mock, quizStart(newTestUser("second"), "second question", "b"))
	assert.Equal(t, "There's already a quiz going.\nQuestion: first question", got)
	assert.Len(t, mock.sentTo(testQuizChannelID), 1)
}

func TestQuizStart_AnswerTooLong(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	setQuizChannel(t, s)
	u := newTestUser("verbose")

	got := runInteraction(t, s, mock, quizStart(u, "q", strings.Repeat("a", quizAnswerMaxLength+1)))
	assert.Contains(t, got, "The question must be")

	granted, err := s.ledger.Achievements(context.Background(), testGuildID, u.ID)
	require.NoError(t, err)
	assert.Contains(t, granted, AchievementAwkward)
}

func TestQuizboard(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	ctx := context.Background()
	winner := newTestUser("winner")
	s.ledger.incrementCounter(ctx, testGuildID, winner.ID, CounterQuizScore)

	i := newCommandInteraction(testGuildID, newTestUser("viewer"), false, commandQuizboard)
	runInteraction(t, s, mock, i)
	resp := mock.response(t, i.ID)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Contains(t, resp.Data.Embeds[0].Description, "1. <@"+winner.ID+">: 1")
}

// punish builds a /punish interaction from voter against target
func punish(voter, target *discordgo.User) *discordgo.InteractionCreate {
	i := newCommandInteraction(
		testGuildID,
		voter,
		false,
		commandPunish,
		&discordgo.ApplicationCommandInteractionDataOption{
			Name:  optionTarget,
			Type:  discordgo.ApplicationCommandOptionUser,
			Value: target.ID,
		},
	)
	data := i.ApplicationCommandData()
	data.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
		Users: map[string]*discordgo.User{target.ID: target},
	}
	i.Data = data
	return i
}

func newPunishTest(t *testing.T, threshold int) (*Servitor, *mockDiscordSession, *discordgo.User) {
	t.Helper()
	s, mock := newTestServitor(t)
	_, err := s.guildSettings.Update(
		context.Background(),
		testGuildID,
		GuildSettingsUpdate{PunishThreshold: ptr(threshold)},
	)
	require.NoError(t, err)
	target := newTestUser("target")
	mock.addMember(&discordgo.Member{User: target, Nick: "Targeted"})
	return s, mock, target
}

func TestPunish_ThresholdReached(t *testing.T) {
	t.Parallel()
	s, mock, target := newPunishTest(t, 3)

	got := runInteraction(t, s, mock, punish(newTestUser("v1"), target))
	assert.Equal(t, "Timer started for Targeted. Targeted is now at 1/3", got)

	anchors := mock.sentTo(testChannelID)
	require.Len(t, anchors, 1)
	require.Len(t, anchors[0].Embeds, 1)
	assert.Equal(t, punishEmbedTitle, anchors[0].Embeds[0].Title)

	got = runInteraction(t, s, mock, punish(newTestUser("v2"), target))
	assert.Equal(t, "Targeted is now at 2/3", got)
	assert.Equal(t, 0, mock.timeoutCount())

	got = runInteraction(t, s, mock, punish(newTestUser("v3"), target))
	assert.Equal(t, "Targeted is now at 3/3", got)
	require.Equal(t, 1, mock.timeoutCount())

	mock.mu.Lock()
	timeout := mock.timeouts[0]
	mock.mu.Unlock()
	assert.Equal(t, target.ID, timeout.UserID)
	require.NotNil(t, timeout.Until)
	assert.WithinDuration(
		t,
		time.Now().Add(time.Duration(DefaultPunishLengthMinutes)*time.Minute),
		*timeout.Until,
		time.Minute,
	)

	edit := mock.lastEdit()
	require.NotNil(t, edit)
	var fieldNames []string
	for _, f := range edit.Embeds[0].Fields {
		fieldNames = append(fieldNames, f.Name)
	}
	assert.Contains(t, fieldNames, punishFieldTimeout)
	assert.Equal(t, "3/3", edit.Embeds[0].Footer.Text)

	_, err := s.sessions.Get(
		SessionKey{Kind: SessionKindPunishment, GuildID: testGuildID, TargetID: target.ID},
	)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPunish_RepeatVote(t *testing.T) {
	t.Parallel()
	s, mock, target := newPunishTest(t, 5)
	voter := newTestUser("repeat")

	runInteraction(t, s, mock, punish(voter, target))
	got := runInteraction(t, s, mock, punish(voter, target))
	assert.Equal(t, "You already used that command on Targeted. Targeted is now at 1/5", got)
}

func TestPunish_InvalidTargets(t *testing.T) {
	t.Parallel()
	s, mock, _ := newPunishTest(t, 3)

	self := newTestUser("self")
	assert.Equal(t, "You can not punish yourself", runInteraction(t, s, mock, punish(self, self)))

	bot := newTestUser("bot")
	bot.Bot = true
	voter := newTestUser("voter")
	assert.Equal(t, "Please don't punish our bots", runInteraction(t, s, mock, punish(voter, bot)))

	stranger := newTestUser("stranger")
	assert.Equal(
		t,
		"stranger is not a member of this server.",
		runInteraction(t, s, mock, punish(newTestUser("voter2"), stranger)),
	)

	for _, u := range []*discordgo.User{self, voter} {
		granted, err := s.ledger.Achievements(context.Background(), testGuildID, u.ID)
		require.NoError(t, err)
		assert.Contains(t, granted, AchievementAwkward)
	}
}

func TestPunish_AlreadyInTimeout(t *testing.T) {
	t.Parallel()
	s, mock, _ := newPunishTest(t, 3)
	until := time.Now().Add(time.Hour)
	target := newTestUser("muted")
	mock.addMember(&discordgo.Member{User: target, CommunicationDisabledUntil: &until})

	got := runInteraction(t, s, mock, punish(newTestUser("voter"), target))
	assert.Contains(t, got, "muted is already in timeout until")
}

func TestPunish_MissingPermission(t *testing.T) {
	t.Parallel()
	s, mock, target := newPunishTest(t, 3)
	mock.timeoutErr = restError(http.StatusForbidden, discordgo.ErrCodeMissingPermissions)

	for _, name := range []string{"v1", "v2", "v3"} {
		runInteraction(t, s, mock, punish(newTestUser(name), target))
	}

	var contents []string
	for _, msg := range mock.sentTo(testChannelID) {
		contents = append(contents, msg.Content)
	}
	assert.Contains(t, contents, punishNoPermissionMsg)
	assert.Equal(t, 0, mock.timeoutCount())
}

func TestPunish_Timeout(t *testing.T) {
	t.Parallel()
	s, mock, target := newPunishTest(t, 3)
	runInteraction(t, s, mock, punish(newTestUser("lonely"), target))

	key := SessionKey{Kind: SessionKindPunishment, GuildID: testGuildID, TargetID: target.ID}
	require.NoError(t, s.sessions.Resolve(context.Background(), key, Outcome{Resolution: ResolutionTimeout}))

	edit := mock.lastEdit()
	require.NotNil(t, edit)
	fields := edit.Embeds[0].Fields
	last := fields[len(fields)-1]
	assert.Equal(t, punishFieldTimesUp, last.Name)
	assert.Equal(t, "Not enough people used the command against Targeted.", last.Value)
	assert.Equal(t, 0, mock.timeoutCount())
}

func TestSetup_RequiresAdministrator(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	u := newTestUser("member")

	for _, name := range []string{commandSetPunishReq, commandSetPunishTime, commandSetChan, commandSetTimezone, commandShowSetup} {
		got := runInteraction(t, s, mock, newCommandInteraction(testGuildID, u, false, name))
		assert.Equal(t, notAdminMessage, got, name)
	}

	granted, err := s.ledger.Achievements(context.Background(), testGuildID, u.ID)
	require.NoError(t, err)
	assert.Contains(t, granted, AchievementBold)
}

func TestSetup_PunishReq(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	admin := newTestUser("admin")

	got := runInteraction(
		t, s, mock,
		newCommandInteraction(testGuildID, admin, true, commandSetPunishReq, intOption(optionRequirement, 2)),
	)
	assert.Equal(t, "Requirement for punishment must be between 3 and 50", got)

	got = runInteraction(
		t, s, mock,
		newCommandInteraction(testGuildID, admin, true, commandSetPunishReq, intOption(optionRequirement, 7)),
	)
	assert.Equal(t, "New requirement for punishment is 7.", got)

	settings, err := s.guildSettings.Get(context.Background(), testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 7, settings.PunishThreshold)
}

func TestSetup_PunishTime(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	admin := newTestUser("admin")

	got := runInteraction(
		t, s, mock,
		newCommandInteraction(testGuildID, admin, true, commandSetPunishTime, intOption(optionLength, 0)),
	)
	assert.Contains(t, got, "Length for punishment must be between")

	got = runInteraction(
		t, s, mock,
		newCommandInteraction(testGuildID, admin, true, commandSetPunishTime, intOption(optionLength, 30)),
	)
	assert.Equal(t, "New length for punishment is 30 minutes.", got)
}

func TestSetup_ChannelAndTimezone(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	admin := newTestUser("admin")
	ctx := context.Background()

	got := runInteraction(
		t, s, mock,
		newCommandInteraction(
			testGuildID, admin, true, commandSetChan,
			stringOption(optionChannelType, channelTypeAnniversary),
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  optionChannel,
				Type:  discordgo.ApplicationCommandOptionChannel,
				Value: testQuizChannelID,
			},
		),
	)
	assert.Equal(t, "<#"+testQuizChannelID+"> has been set as ***anniversary***.", got)

	got = runInteraction(
		t, s, mock,
		newCommandInteraction(testGuildID, admin, true, commandSetTimezone, stringOption(optionTimezone, "Mars/Olympus")),
	)
	assert.Contains(t, got, "is not a known timezone")

	got = runInteraction(
		t, s, mock,
		newCommandInteraction(testGuildID, admin, true, commandSetTimezone, stringOption(optionTimezone, "Europe/Paris")),
	)
	assert.Equal(t, "Your timezone has been set as Europe/Paris.", got)

	settings, err := s.guildSettings.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testQuizChannelID, settings.AnniversaryChannelID)
	assert.Equal(t, "Europe/Paris", settings.Timezone)

	i := newCommandInteraction(testGuildID, admin, true, commandShowSetup)
	runInteraction(t, s, mock, i)
	resp := mock.response(t, i.ID)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	var timezone string
	for _, f := range resp.Data.Embeds[0].Fields {
		if f.Name == "timezone" {
			timezone = f.Value
		}
	}
	assert.Equal(t, "Europe/Paris", timezone)
}

func testMovies() []Movie {
	return []Movie{
		{
			Title:       "The Matrix",
			Year:        1999,
			Genre:       stringList{"Action", "Sci-Fi"},
			Runtimes:    stringList{"136"},
			PlotOutline: "A hacker learns about the true nature of reality and his role in the war against its controllers.",
			Cast:        stringList{"Keanu Reeves", "Laurence Fishburne", "Carrie-Anne Moss"},
			Rating:      8.7,
		},
		{Title: "Short: Film", Genre: stringList{"Drama"}, Runtimes: stringList{"90"}, PlotOutline: "a plot"},
		{Title: "Unknown Genre", Genre: stringList{"N/A"}, Runtimes: stringList{"90"}, PlotOutline: "a plot"},
		{Title: "Too Short", Genre: stringList{"Drama"}, Runtimes: stringList{"45"}, PlotOutline: "a plot"},
		{Title: "Not For Kids", Genre: stringList{"Adult"}, Runtimes: stringList{"90"}, PlotOutline: "a plot"},
		{Title: "No Plot", Genre: stringList{"Drama"}, Runtimes: stringList{"90"}, PlotOutline: "n/a"},
	}
}

func TestTriviaCatalog_Eligibility(t *testing.T) {
	t.Parallel()
	catalog, err := newTriviaCatalog(testMovies(), rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Equal(t, 1, catalog.Len())

	movie, hints := catalog.Pick()
	assert.Equal(t, "The Matrix", movie.Title)
	assert.Len(t, hints, triviaHintCount)

	_, err = newTriviaCatalog(testMovies()[1:], rand.New(rand.NewPCG(1, 2)))
	assert.Error(t, err)
}

func TestTrivia_RoundTrip(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	setQuizChannel(t, s)
	catalog, err := newTriviaCatalog(testMovies(), rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	s.trivia = catalog
	ctx := context.Background()

	starter := newTestUser("starter")
	got := runInteraction(t, s, mock, newCommandInteraction(testGuildID, starter, false, commandTrivia))
	assert.Equal(t, "The first hint was posted in <#"+testQuizChannelID+">.", got)

	got = runInteraction(t, s, mock, newCommandInteraction(testGuildID, newTestUser("other"), false, commandTrivia))
	assert.Equal(t, "There's already a trivia running", got)

	player := newTestUser("player")
	s.handleDiscordMessage(ctx, newGuildMessage(testQuizChannelID, player, "the matrix"))

	_, err = s.sessions.Get(SessionKey{Kind: SessionKindTrivia, GuildID: testGuildID})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	posted := mock.sentTo(testQuizChannelID)
	require.NotEmpty(t, posted)
	assert.Equal(t, "GG <@"+player.ID+">! The answer was __**The Matrix**__", posted[len(posted)-1].Content)

	score, err := s.ledger.Counter(ctx, testGuildID, player.ID, CounterTriviaScore)
	require.NoError(t, err)
	assert.Equal(t, int64(1), score)

	started, err := s.ledger.Counter(ctx, testGuildID, starter.ID, CounterTriviaRounds)
	require.NoError(t, err)
	assert.Equal(t, int64(1), started)
}

func TestTriviaHandler_TimeoutCountsStarter(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	ctx := context.Background()
	h := &triviaHandler{discord: s.discord, ledger: s.ledger, interval: time.Minute}

	starter := newTestUser("starter")
	sess := Session{
		Kind:        SessionKindTrivia,
		GuildID:     testGuildID,
		ChannelID:   testQuizChannelID,
		InitiatorID: starter.ID,
		Payload:     SessionPayload{Title: "Alien"},
	}
	require.NoError(t, h.Resolve(ctx, sess, Outcome{Resolution: ResolutionTimeout}))

	posted := mock.sentTo(testQuizChannelID)
	require.Len(t, posted, 1)
	assert.Equal(t, "Time's up! The answer was __**Alien**__", posted[0].Content)

	started, err := s.ledger.Counter(ctx, testGuildID, starter.ID, CounterTriviaRounds)
	require.NoError(t, err)
	assert.Equal(t, int64(1), started)
}

func TestTrivia_Unavailable(t *testing.T) {
	t.Parallel()
	s, mock := newTestServitor(t)
	setQuizChannel(t, s)
	got := runInteraction(t, s, mock, newCommandInteraction(testGuildID, newTestUser("starter"), false, commandTrivia))
	assert.Equal(t, "Trivia isn't available right now.", got)
}

func TestAchievementsMessage(t *testing.T) {
	t.Parallel()
	assert.Contains(t, achievementsMessage(nil), "Your achievements (0):\n\nNo achievement")
	msg := achievementsMessage([]string{AchievementBold})
	assert.Contains(t, msg, "Your achievements (1):")
	assert.Contains(t, msg, AchievementDescription(AchievementBold))
}
