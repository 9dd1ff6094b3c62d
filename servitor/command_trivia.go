package servitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"math/rand/v2"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

var (
	// triviaHintInterval is the time between hints, and after the last
	// hint before the answer is revealed
	triviaHintInterval = 2 * time.Minute

	triviaTitlePattern = regexp.MustCompile(`^[A-Za-z0-9 ]+$`)
)

const (
	triviaHintCount       = 4
	triviaMinRuntime      = 60
	triviaPlotWordCount   = 5
	triviaPlotWordMinSize = 5
)

// stringList decodes either a JSON array of strings, or a single string
// (the catalog uses "N/A" for missing lists)
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = stringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// Movie is an entry of the trivia catalog
type Movie struct {
	Title       string     `json:"title"`
	Year        int        `json:"year"`
	Genre       stringList `json:"genre"`
	Runtimes    stringList `json:"runtimes"`
	PlotOutline string     `json:"plot_outline"`
	Cast        stringList `json:"cast"`
	Rating      any        `json:"rating"`
}

// eligible reports whether the movie can be used for trivia: a plain
// title, known genres (none of them adult), a runtime of at least an
// hour and a plot outline.
func (m Movie) eligible() bool {
	if !triviaTitlePattern.MatchString(m.Title) {
		return false
	}
	if len(m.Genre) == 0 || (len(m.Genre) == 1 && m.Genre[0] == "N/A") {
		return false
	}
	for _, g := range m.Genre {
		if strings.Contains(g, "Adult") {
			return false
		}
	}
	if len(m.Runtimes) == 0 {
		return false
	}
	runtime, err := strconv.Atoi(m.Runtimes[0])
	if err != nil || runtime < triviaMinRuntime {
		return false
	}
	return len(m.PlotOutline) > 3
}

// TriviaCatalog holds the eligible movies for /trivia
type TriviaCatalog struct {
	movies []Movie
	mu     sync.Mutex
	rng    *rand.Rand
}

// LoadTriviaCatalog reads a JSON array of movies, keeping those
// eligible for trivia
func LoadTriviaCatalog(path string) (*TriviaCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading trivia catalog: %w", err)
	}
	var movies []Movie
	if err = json.Unmarshal(data, &movies); err != nil {
		return nil, fmt.Errorf("error decoding trivia catalog: %w", err)
	}
	return newTriviaCatalog(
		movies,
		rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
	)
}

func newTriviaCatalog(movies []Movie, rng *rand.Rand) (*TriviaCatalog, error) {
	eligible := make([]Movie, 0, len(movies))
	for _, m := range movies {
		if m.eligible() {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return nil, errors.New("no eligible movies in trivia catalog")
	}
	return &TriviaCatalog{movies: eligible, rng: rng}, nil
}

func (c *TriviaCatalog) Len() int {
	return len(c.movies)
}

// Pick selects a random movie, and builds its hints
func (c *TriviaCatalog) Pick() (Movie, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.movies[c.rng.IntN(len(c.movies))]
	return m, triviaHints(m, c.rng)
}

// triviaHints builds the four hints for a movie: genres and decade,
// two random facts, the main actor, then two more facts
func triviaHints(m Movie, rng *rand.Rand) []string {
	mainActor := "Unknown"
	supporting := "No supporting actor"
	if len(m.Cast) > 0 && m.Cast[0] != "N/A" {
		mainActor = m.Cast[0]
		if len(m.Cast) > 1 {
			supporting = strings.Join(m.Cast[1:min(len(m.Cast), 4)], ", ")
		}
	}

	facts := []string{
		"Supporting actors: " + supporting,
		fmt.Sprintf("Runtime: %s minutes", m.Runtimes[0]),
		fmt.Sprintf("Ratings: %v", m.Rating),
		"Random words from the plot: " + plotWords(m.PlotOutline, rng),
		fmt.Sprintf("Year: %d", m.Year),
	}
	rng.Shuffle(len(facts), func(i, j int) { facts[i], facts[j] = facts[j], facts[i] })

	return []string{
		fmt.Sprintf("Genre(s): %s\nYears: %d's", strings.Join(m.Genre, ", "), (m.Year/10)*10),
		fmt.Sprintf("Second hint\n%s\n%s", facts[0], facts[1]),
		fmt.Sprintf("Third hint\nMain actor: %s", mainActor),
		fmt.Sprintf("Last hint:\n%s\n%s", facts[2], facts[3]),
	}
}

// plotWords picks up to five random words of at least five letters
// from the plot
func plotWords(plot string, rng *rand.Rand) string {
	if plot == "N/A" {
		return strings.ToLower(plot)
	}
	var words []string
	for _, w := range strings.Fields(plot) {
		if len([]rune(w)) >= triviaPlotWordMinSize && isAlpha(w) {
			words = append(words, w)
		}
	}
	if len(words) > triviaPlotWordCount {
		rng.Shuffle(len(words), func(i, j int) { words[i], words[j] = words[j], words[i] })
		words = words[:triviaPlotWordCount]
	}
	return strings.ToLower(strings.Join(words, " "))
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}

// triviaHandler runs /trivia sessions: a hint is posted every
// interval, and the title is revealed after the last one.
type triviaHandler struct {
	discord  *Discord
	ledger   *Ledger
	interval time.Duration
}

func (h *triviaHandler) StepWindow(Session) time.Duration {
	return h.interval
}

func (*triviaHandler) StepCount(s Session) int {
	if len(s.Payload.Hints) == 0 {
		return triviaHintCount
	}
	return len(s.Payload.Hints)
}

func (h *triviaHandler) AdvanceStep(_ context.Context, s Session) error {
	if s.Step >= len(s.Payload.Hints) {
		return nil
	}
	_, err := h.discord.sendMessage(s.ChannelID, s.Payload.Hints[s.Step])
	return err
}

func (*triviaHandler) Contributed(context.Context, Session, Contribution) error {
	return nil
}

func (h *triviaHandler) Resolve(ctx context.Context, s Session, outcome Outcome) error {
	h.ledger.incrementCounter(ctx, s.GuildID, s.InitiatorID, CounterTriviaRounds)

	var content string
	switch outcome.Resolution {
	case ResolutionConsensus:
		h.ledger.incrementCounter(ctx, s.GuildID, outcome.WinnerID, CounterTriviaScore)
		content = fmt.Sprintf(
			"GG <@%s>! The answer was __**%s**__",
			outcome.WinnerID,
			s.Payload.Title,
		)
	default:
		content = fmt.Sprintf("Time's up! The answer was __**%s**__", s.Payload.Title)
	}
	_, err := h.discord.sendMessage(s.ChannelID, content)
	return err
}

// runTrivia starts a trivia round in the guild's quiz channel
func (s *Servitor) runTrivia(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, s.logger)

	key := SessionKey{Kind: SessionKindTrivia, GuildID: i.GuildID}
	if _, err := s.sessions.Get(key); err == nil {
		respond(ctx, handler, ephemeralResponse("There's already a trivia running"))
		return
	}
	if s.trivia == nil {
		respond(ctx, handler, ephemeralResponse("Trivia isn't available right now."))
		return
	}

	settings, err := s.guildSettings.Get(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
		return
	}
	if settings.QuizChannelID == "" {
		respond(ctx, handler, ephemeralResponse(quizChannelNotSetupMessage))
		return
	}

	movie, hints := s.trivia.Pick()
	sess := &Session{
		Kind:        SessionKindTrivia,
		GuildID:     i.GuildID,
		InitiatorID: u.ID,
		Payload: SessionPayload{
			Title:         movie.Title,
			Hints:         hints,
			InitiatorName: memberDisplayName(i.Member, u),
		},
	}
	err = s.sessions.Open(
		ctx,
		sess,
		func(_ context.Context, sess *Session) error {
			msg, sendErr := s.discord.sendMessage(
				settings.QuizChannelID,
				fmt.Sprintf(
					"<@%s> started a trivia! Here's the first hint to find the movie\n%s",
					u.ID,
					hints[0],
				),
			)
			if sendErr != nil {
				return sendErr
			}
			sess.ChannelID = settings.QuizChannelID
			sess.AnchorMessageID = msg.ID
			return nil
		},
	)
	switch {
	case errors.Is(err, ErrDuplicateSession):
		respond(ctx, handler, ephemeralResponse("There's already a trivia running"))
	case err != nil:
		logger.ErrorContext(ctx, "error opening trivia", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
	default:
		logger.InfoContext(ctx, "started trivia", "title", movie.Title)
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf("The first hint was posted in <#%s>.", settings.QuizChannelID),
			),
		)
	}
}

// answerTrivia checks a message against the guild's trivia round.
// Returns true if the message resolved it.
func (s *Servitor) answerTrivia(ctx context.Context, m *discordgo.Message) bool {
	key := SessionKey{Kind: SessionKindTrivia, GuildID: m.GuildID}
	sess, err := s.sessions.Get(key)
	if err != nil || sess.ChannelID != m.ChannelID {
		return false
	}
	candidate := strings.TrimSpace(m.Content)
	if candidate == "" {
		return false
	}

	name := memberDisplayName(m.Member, m.Author)
	c, err := s.sessions.Contribute(
		ctx,
		key,
		m.Author.ID,
		name,
		func(c Contribution) *Outcome {
			if !TriviaAnswerMatches(c.Session.Payload.Title, candidate) {
				return nil
			}
			return &Outcome{
				Resolution: ResolutionConsensus,
				WinnerID:   m.Author.ID,
				WinnerName: name,
			}
		},
	)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error answering trivia", tint.Err(err))
		}
		return false
	}
	return c.Outcome != nil
}
