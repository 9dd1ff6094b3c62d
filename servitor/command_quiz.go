package servitor

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	quizChannelNotSetupMessage = "The quiz' channel is not yet setup. Please contact an admin."
	pausedMessage              = "I'm taking a break right now, try again later."
)

// quizWindow is how long a quiz stays open without a correct answer
var quizWindow = 24 * time.Hour

// quizHandler resolves /quiz_start sessions: one open question per
// guild, answered by the first matching message in the quiz channel.
type quizHandler struct {
	discord *Discord
	ledger  *Ledger
	window  time.Duration
}

func (h *quizHandler) StepWindow(Session) time.Duration {
	return h.window
}

func (*quizHandler) StepCount(Session) int {
	return 1
}

func (*quizHandler) AdvanceStep(context.Context, Session) error {
	return nil
}

// Contributed is a no-op. Wrong answers are recorded, but don't change
// what the channel sees.
func (*quizHandler) Contributed(context.Context, Session, Contribution) error {
	return nil
}

func (h *quizHandler) Resolve(ctx context.Context, s Session, outcome Outcome) error {
	h.ledger.incrementCounter(ctx, s.GuildID, s.InitiatorID, CounterQuizQuestions)

	var content string
	switch outcome.Resolution {
	case ResolutionConsensus:
		h.ledger.incrementCounter(ctx, s.GuildID, outcome.WinnerID, CounterQuizScore)
		content = fmt.Sprintf(
			"GG <@%s>! The correct answer was __%s__.\n"+
				"The question was: __%s__\n"+
				"It's your turn to ask a question with /%s",
			outcome.WinnerID,
			s.Payload.Answer,
			s.Payload.Question,
			commandQuizStart,
		)
	default:
		content = fmt.Sprintf(
			"Time's up. __<@%s>__ had asked\nQuestion: __%s__\nAnswer: __%s__",
			s.InitiatorID,
			s.Payload.Question,
			s.Payload.Answer,
		)
	}
	_, err := h.discord.sendMessage(s.ChannelID, content)
	return err
}

// runQuizStart opens a quiz session for the guild, posting the question
// in the quiz channel
func (s *Servitor) runQuizStart(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, s.logger)
	opts := discordInteractionOptions(i)

	var question, answer string
	if opt, ok := opts[optionQuestion]; ok {
		question = strings.ToLower(strings.TrimSpace(opt.StringValue()))
	}
	if opt, ok := opts[optionAnswer]; ok {
		answer = strings.ToLower(strings.TrimSpace(opt.StringValue()))
	}
	if question == "" || answer == "" ||
		utf8.RuneCountInString(question) > quizQuestionMaxLength ||
		utf8.RuneCountInString(answer) > quizAnswerMaxLength {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementAwkward)
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf(
					"The question must be 1-%d characters, and the answer 1-%d characters.",
					quizQuestionMaxLength,
					quizAnswerMaxLength,
				),
			),
		)
		return
	}

	key := SessionKey{Kind: SessionKindQuiz, GuildID: i.GuildID}
	if existing, err := s.sessions.Get(key); err == nil {
		respond(ctx, handler, ephemeralResponse(alreadyRunningQuizMessage(existing)))
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

	sess := &Session{
		Kind:        SessionKindQuiz,
		GuildID:     i.GuildID,
		InitiatorID: u.ID,
		Payload: SessionPayload{
			Question:      question,
			Answer:        answer,
			InitiatorName: memberDisplayName(i.Member, u),
		},
	}
	err = s.sessions.Open(
		ctx,
		sess,
		func(_ context.Context, sess *Session) error {
			msg, sendErr := s.discord.sendMessage(
				settings.QuizChannelID,
				fmt.Sprintf("New question from <@%s>:\n%s", u.ID, question),
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
		existing, getErr := s.sessions.Get(key)
		if getErr != nil {
			respond(ctx, handler, ephemeralResponse("There's already a quiz going."))
			return
		}
		respond(ctx, handler, ephemeralResponse(alreadyRunningQuizMessage(existing)))
	case err != nil:
		logger.ErrorContext(ctx, "error opening quiz", tint.Err(err))
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
	default:
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf(
					"Your question was posted in <#%s>\nQuestion: %s\nAnswer: %s",
					settings.QuizChannelID,
					question,
					answer,
				),
			),
		)
	}
}

func alreadyRunningQuizMessage(s Session) string {
	return fmt.Sprintf("There's already a quiz going.\nQuestion: %s", s.Payload.Question)
}

// answerQuiz checks a message against the guild's open quiz. Returns
// true if the message resolved it.
func (s *Servitor) answerQuiz(ctx context.Context, m *discordgo.Message) bool {
	key := SessionKey{Kind: SessionKindQuiz, GuildID: m.GuildID}
	sess, err := s.sessions.Get(key)
	if err != nil {
		return false
	}
	if sess.ChannelID != m.ChannelID || sess.InitiatorID == m.Author.ID {
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
			if !QuizAnswerMatches(c.Session.Payload.Answer, candidate) {
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
			contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error answering quiz", tint.Err(err))
		}
		return false
	}
	return c.Outcome != nil
}
