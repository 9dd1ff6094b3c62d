package servitor

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

type resolvedCall struct {
	Session Session
	Outcome Outcome
}

// recordingHandler is a SessionKindHandler which records every call
type recordingHandler struct {
	mu          sync.Mutex
	window      time.Duration
	steps       int
	advanced    []Session
	contributed []Contribution
	resolved    []resolvedCall

	advanceErr    error
	contributeErr error
	resolveErr    error

	resolvedCh chan resolvedCall
}

func newRecordingHandler(window time.Duration, steps int) *recordingHandler {
	return &recordingHandler{
		window:     window,
		steps:      steps,
		resolvedCh: make(chan resolvedCall, 100),
	}
}

func (h *recordingHandler) StepWindow(Session) time.Duration {
	return h.window
}

func (h *recordingHandler) StepCount(Session) int {
	return h.steps
}

func (h *recordingHandler) AdvanceStep(_ context.Context, s Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advanced = append(h.advanced, s)
	return h.advanceErr
}

func (h *recordingHandler) Contributed(_ context.Context, _ Session, c Contribution) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contributed = append(h.contributed, c)
	return h.contributeErr
}

func (h *recordingHandler) Resolve(_ context.Context, s Session, outcome Outcome) error {
	h.mu.Lock()
	call := resolvedCall{Session: s, Outcome: outcome}
	h.resolved = append(h.resolved, call)
	err := h.resolveErr
	h.mu.Unlock()
	h.resolvedCh <- call
	return err
}

func (h *recordingHandler) resolvedCalls() []resolvedCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]resolvedCall(nil), h.resolved...)
}

func (h *recordingHandler) advancedSteps() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	steps := make([]int, 0, len(h.advanced))
	for _, s := range h.advanced {
		steps = append(steps, s.Step)
	}
	return steps
}

func waitForResolution(t testing.TB, h *recordingHandler, timeout time.Duration) resolvedCall {
	t.Helper()
	select {
	case call := <-h.resolvedCh:
		return call
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for session resolution")
	}
	return resolvedCall{}
}

func newTestSessionManager(
	t testing.TB,
	store SessionStore,
	handlers map[SessionKind]SessionKindHandler,
	opts ...SessionManagerOption,
) *SessionManager {
	t.Helper()
	if store == nil {
		store = NewSessionStore(newTestDBI(t))
	}
	opts = append([]SessionManagerOption{WithSessionMetrics(NewMetrics())}, opts...)
	m := NewSessionManager(store, nil, opts...)
	for kind, h := range handlers {
		m.RegisterHandler(kind, h)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func newQuizSession(guildID, initiatorID, answer string) *Session {
	return &Session{
		Kind:        SessionKindQuiz,
		GuildID:     guildID,
		InitiatorID: initiatorID,
		Payload:     SessionPayload{Question: "what color?", Answer: answer},
	}
}

func announceTo(channelID string) func(context.Context, *Session) error {
	return func(_ context.Context, s *Session) error {
		s.ChannelID = channelID
		s.AnchorMessageID = "anchor-" + s.ID
		return nil
	}
}

func quizDecider(userID string, text string) ContributionDecider {
	return func(c Contribution) *Outcome {
		if !QuizAnswerMatches(c.Session.Payload.Answer, text) {
			return nil
		}
		return &Outcome{Resolution: ResolutionConsensus, WinnerID: userID}
	}
}

func TestSessionManager_OpenDuplicate(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(time.Hour, 1)
	m := newTestSessionManager(t, nil, map[SessionKind]SessionKindHandler{SessionKindQuiz: h})
	ctx := context.Background()

	s := newQuizSession("g1", "a", "blue")
	require.NoError(t, m.Open(ctx, s, announceTo("quiz-chan")))
	assert.NotEmpty(t, s.ID)
	assert.NotZero(t, s.CreatedAt)

	err := m.Open(ctx, newQuizSession("g1", "b", "red"), announceTo("quiz-chan"))
	require.ErrorIs(t, err, ErrDuplicateSession)

	got, err := m.Get(s.Key())
	require.NoError(t, err)
	assert.Equal(t, "a", got.InitiatorID)
	assert.Equal(t, "quiz-chan", got.ChannelID)
	assert.Equal(t, "anchor-"+s.ID, got.AnchorMessageID)

	stored, err := m.store.Read(ctx, s.Key())
	require.NoError(t, err)
	assert.Equal(t, "anchor-"+s.ID, stored.AnchorMessageID)
}

func TestSessionManager_OpenUnknownKind(t *testing.T) {
	t.Parallel()
	m := newTestSessionManager(t, nil, nil)
	err := m.Open(context.Background(), newQuizSession("g1", "a", "blue"), nil)
	require.Error(t, err)
}

func TestSessionManager_OpenAnnounceFails(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(time.Hour, 1)
	m := newTestSessionManager(t, nil, map[SessionKind]SessionKindHandler{SessionKindQuiz: h})
	ctx := context.Background()

	announceErr := errors.New("channel unavailable")
	s := newQuizSession("g1", "a", "blue")
	err := m.Open(
		ctx, s, func(context.Context, *Session) error {
			return announceErr
		},
	)
	require.ErrorIs(t, err, announceErr)

	_, err = m.store.Read(ctx, s.Key())
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, m.registry.Len())
	assert.Equal(t, 0, m.scheduler.Pending())

	// the key is free for a new session
	require.NoError(t, m.Open(ctx, newQuizSession("g1", "a", "blue"), nil))
}

// A starts a quiz with the answer "blue", B answers "blue": the session
// resolves by consensus, the row is deleted, and the timer is canceled
func TestSessionManager_QuizConsensus(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(time.Hour, 1)
	m := newTestSessionManager(t, nil, map[SessionKind]SessionKindHandler{SessionKindQuiz: h})
	ctx := context.Background()

	s := newQuizSession("g1", "user-a", "blue")
	require.NoError(t, m.Open(ctx, s, announceTo("quiz-chan")))
	require.Equal(t, 1, m.scheduler.Pending())
	timer := m.registry.timer(s.Key())
	require.NotNil(t, timer)

	c, err := m.Contribute(ctx, s.Key(), "user-c", "C", quizDecider("user-c", "red"))
	require.NoError(t, err)
	assert.Nil(t, c.Outcome)
	assert.True(t, c.Added)
	assert.Equal(t, 1, c.Count)

	c, err = m.Contribute(ctx, s.Key(), "user-b", "B", quizDecider("user-b", "Blue"))
	require.NoError(t, err)
	require.NotNil(t, c.Outcome)
	assert.Equal(t, ResolutionConsensus, c.Outcome.Resolution)

	calls := h.resolvedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "user-b", calls[0].Outcome.WinnerID)
	assert.Equal(t, "user-a", calls[0].Session.InitiatorID)
	assert.Equal(t, 2, calls[0].Outcome.Count)

	_, err = m.store.Read(ctx, s.Key())
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(s.Key())
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, timer.Canceled())
	assert.Equal(t, 0, m.scheduler.Pending())

	// the wrong answer was seen by the handler
	h.mu.Lock()
	assert.Len(t, h.contributed, 1)
	h.mu.Unlock()

	_, err = m.Contribute(ctx, s.Key(), "user-d", "D", quizDecider("user-d", "blue"))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionManager_Timeout(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(50*time.Millisecond, 1)
	m := newTestSessionManager(
		t,
		nil,
		map[SessionKind]SessionKindHandler{SessionKindPunishment: h},
	)
	ctx := context.Background()

	key := SessionKey{Kind: SessionKindPunishment, GuildID: "g1", TargetID: "t1"}
	s := &Session{
		Kind:         key.Kind,
		GuildID:      key.GuildID,
		TargetID:     key.TargetID,
		InitiatorID:  "v1",
		Payload:      SessionPayload{Threshold: 10, TargetName: "target"},
		Participants: []SessionParticipant{{UserID: "v1", Username: "one"}},
	}
	require.NoError(t, m.Open(ctx, s, announceTo("chan")))

	call := waitForResolution(t, h, 5*time.Second)
	assert.Equal(t, ResolutionTimeout, call.Outcome.Resolution)
	assert.Equal(t, 1, call.Outcome.Count)
	assert.Empty(t, call.Outcome.WinnerID)

	require.Eventually(
		t, func() bool {
			_, err := m.store.Read(ctx, key)
			return errors.Is(err, ErrSessionNotFound)
		}, 5*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, 0, m.registry.Len())

	_, err := m.Contribute(ctx, key, "v2", "two", nil)
	require.ErrorIs(t, err, ErrSessionNotFound)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.resolvedCalls(), 1)
}

// Contributions which would resolve the session race the timer: the
// session must be resolved exactly once
func TestSessionManager_TimeoutRacesConsensus(t *testing.T) {
	t.Parallel()
	for i := 0; i < 5; i++ {
		t.Run(
			fmt.Sprintf("attempt-%d", i), func(t *testing.T) {
				t.Parallel()
				h := newRecordingHandler(20*time.Millisecond, 1)
				m := newTestSessionManager(
					t,
					nil,
					map[SessionKind]SessionKindHandler{SessionKindQuiz: h},
				)
				ctx := context.Background()

				s := newQuizSession("g1", "a", "blue")
				require.NoError(t, m.Open(ctx, s, nil))

				time.Sleep(15 * time.Millisecond)
				var wg sync.WaitGroup
				for j := 0; j < 5; j++ {
					wg.Add(1)
					go func(n int) {
						defer wg.Done()
						userID := fmt.Sprintf("user-%d", n)
						_, err := m.Contribute(ctx, s.Key(), userID, userID, quizDecider(userID, "blue"))
						if err != nil {
							assert.ErrorIs(t, err, ErrSessionNotFound)
						}
					}(j)
				}
				wg.Wait()

				waitForResolution(t, h, 5*time.Second)
				time.Sleep(50 * time.Millisecond)
				assert.Len(t, h.resolvedCalls(), 1)
				assert.Equal(t, 0, m.registry.Len())
			},
		)
	}
}

// 10 users vote concurrently on a session one vote short of its
// threshold: exactly one reaches it, and the other 9 find the vote closed
func TestSessionManager_PunishmentThresholdRace(t *testing.T) {
	t.Parallel()
	const threshold = 10
	h := newRecordingHandler(time.Hour, 1)
	m := newTestSessionManager(
		t,
		nil,
		map[SessionKind]SessionKindHandler{SessionKindPunishment: h},
	)
	ctx := context.Background()

	key := SessionKey{Kind: SessionKindPunishment, GuildID: "g1", TargetID: "target"}
	participants := make([]SessionParticipant, 0, threshold-1)
	for i := 0; i < threshold-1; i++ {
		participants = append(
			participants,
			SessionParticipant{UserID: fmt.Sprintf("early-%d", i)},
		)
	}
	s := &Session{
		Kind:         key.Kind,
		GuildID:      key.GuildID,
		TargetID:     key.TargetID,
		InitiatorID:  "early-0",
		Payload:      SessionPayload{Threshold: threshold},
		Participants: participants,
	}
	require.NoError(t, m.Open(ctx, s, announceTo("chan")))

	decide := func(c Contribution) *Outcome {
		if c.Added && HasReachedThreshold(c.Count, c.Session.Payload.Threshold) {
			return &Outcome{Resolution: ResolutionConsensus}
		}
		return nil
	}

	var mu sync.Mutex
	var triggered, closed int
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			userID := fmt.Sprintf("voter-%d", n)
			c, err := m.Contribute(ctx, key, userID, userID, decide)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrSessionNotFound):
				closed++
			case err == nil && c.Outcome != nil:
				triggered++
			default:
				t.Errorf("unexpected contribution result: %#v / %v", c, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, triggered)
	assert.Equal(t, 9, closed)

	calls := h.resolvedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, ResolutionConsensus, calls[0].Outcome.Resolution)
	assert.Equal(t, threshold, calls[0].Outcome.Count)

	_, err := m.store.Read(ctx, key)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionManager_RepeatContribution(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(time.Hour, 1)
	m := newTestSessionManager(
		t,
		nil,
		map[SessionKind]SessionKindHandler{SessionKindPunishment: h},
	)
	ctx := context.Background()
	key := SessionKey{Kind: SessionKindPunishment, GuildID: "g1", TargetID: "target"}
	s := &Session{
		Kind:         key.Kind,
		GuildID:      key.GuildID,
		TargetID:     key.TargetID,
		InitiatorID:  "v1",
		Payload:      SessionPayload{Threshold: 3},
		Participants: []SessionParticipant{{UserID: "v1"}},
	}
	require.NoError(t, m.Open(ctx, s, nil))

	c, err := m.Contribute(ctx, key, "v1", "v1", nil)
	require.NoError(t, err)
	assert.False(t, c.Added)
	assert.Equal(t, 1, c.Count)

	c, err = m.Contribute(ctx, key, "v2", "v2", nil)
	require.NoError(t, err)
	assert.True(t, c.Added)
	assert.Equal(t, 2, c.Count)

	cached, err := m.Get(key)
	require.NoError(t, err)
	assert.Len(t, cached.Participants, 2)
}

func TestSessionManager_Steps(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(30*time.Millisecond, 4)
	m := newTestSessionManager(t, nil, map[SessionKind]SessionKindHandler{SessionKindTrivia: h})
	ctx := context.Background()

	s := &Session{
		Kind:        SessionKindTrivia,
		GuildID:     "g1",
		InitiatorID: "a",
		Payload:     SessionPayload{Title: "Heat", Hints: []string{"1", "2", "3", "4"}},
	}
	require.NoError(t, m.Open(ctx, s, announceTo("chan")))

	call := waitForResolution(t, h, 5*time.Second)
	assert.Equal(t, ResolutionTimeout, call.Outcome.Resolution)
	assert.Equal(t, 3, call.Session.Step)
	assert.Equal(t, []int{1, 2, 3}, h.advancedSteps())
	assert.Len(t, h.resolvedCalls(), 1)
}

func TestSessionManager_StepProgressPersisted(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(30*time.Millisecond, 1000)
	m := newTestSessionManager(t, nil, map[SessionKind]SessionKindHandler{SessionKindTrivia: h})
	ctx := context.Background()

	s := &Session{Kind: SessionKindTrivia, GuildID: "g1", InitiatorID: "a"}
	require.NoError(t, m.Open(ctx, s, nil))

	require.Eventually(
		t, func() bool {
			stored, err := m.store.Read(ctx, s.Key())
			return err == nil && stored.Step >= 2 && stored.StepStartedAt > stored.CreatedAt
		}, 5*time.Second, 5*time.Millisecond,
	)
	require.NoError(t, m.Resolve(ctx, s.Key(), Outcome{Resolution: ResolutionTimeout}))
}

func TestSessionManager_AnchorGoneOnResolve(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(time.Hour, 1)
	h.resolveErr = fmt.Errorf("editing message: %w", ErrAnchorMessageGone)
	m := newTestSessionManager(t, nil, map[SessionKind]SessionKindHandler{SessionKindQuiz: h})
	ctx := context.Background()

	s := newQuizSession("g1", "a", "blue")
	require.NoError(t, m.Open(ctx, s, announceTo("chan")))

	c, err := m.Contribute(ctx, s.Key(), "b", "B", quizDecider("b", "blue"))
	require.NoError(t, err)
	require.NotNil(t, c.Outcome)

	_, err = m.store.Read(ctx, s.Key())
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, m.registry.Len())
}

func TestSessionManager_DownstreamErrorStillCloses(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(time.Hour, 1)
	h.resolveErr = &DownstreamPermissionError{Action: "timeout member", Err: errors.New("403")}
	m := newTestSessionManager(
		t,
		nil,
		map[SessionKind]SessionKindHandler{SessionKindPunishment: h},
	)
	ctx := context.Background()
	key := SessionKey{Kind: SessionKindPunishment, GuildID: "g1", TargetID: "t"}
	s := &Session{Kind: key.Kind, GuildID: key.GuildID, TargetID: key.TargetID, InitiatorID: "v"}
	require.NoError(t, m.Open(ctx, s, nil))

	require.NoError(t, m.Resolve(ctx, key, Outcome{Resolution: ResolutionConsensus}))
	_, err := m.store.Read(ctx, key)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, m.registry.Len())

	require.ErrorIs(t, m.Resolve(ctx, key, Outcome{}), ErrSessionNotFound)
}

func TestSessionManager_AnchorGoneOnContribution(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(time.Hour, 1)
	h.contributeErr = ErrAnchorMessageGone
	m := newTestSessionManager(
		t,
		nil,
		map[SessionKind]SessionKindHandler{SessionKindPunishment: h},
	)
	ctx := context.Background()
	key := SessionKey{Kind: SessionKindPunishment, GuildID: "g1", TargetID: "t"}
	s := &Session{Kind: key.Kind, GuildID: key.GuildID, TargetID: key.TargetID, InitiatorID: "v"}
	require.NoError(t, m.Open(ctx, s, nil))

	_, err := m.Contribute(ctx, key, "v2", "v2", nil)
	require.ErrorIs(t, err, ErrAnchorMessageGone)
	assert.Empty(t, h.resolvedCalls())
	assert.Equal(t, 0, m.registry.Len())
	_, err = m.store.Read(ctx, key)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionManager_Abandon(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(time.Hour, 1)
	m := newTestSessionManager(t, nil, map[SessionKind]SessionKindHandler{SessionKindQuiz: h})
	ctx := context.Background()

	s := newQuizSession("g1", "a", "blue")
	require.NoError(t, m.Open(ctx, s, nil))
	require.NoError(t, m.Abandon(ctx, s.Key()))
	require.ErrorIs(t, m.Abandon(ctx, s.Key()), ErrSessionNotFound)
	assert.Empty(t, h.resolvedCalls())
	assert.Equal(t, 0, m.scheduler.Pending())
}

// Persisting a session and reloading it via Bootstrap reproduces the
// payload and participants, with no more than the original time left
func TestSessionManager_BootstrapRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewSessionStore(newTestDBI(t))
	ctx := context.Background()
	window := 5 * time.Minute

	h1 := newRecordingHandler(window, 1)
	m1 := newTestSessionManager(
		t,
		store,
		map[SessionKind]SessionKindHandler{SessionKindPunishment: h1},
	)
	key := SessionKey{Kind: SessionKindPunishment, GuildID: "g1", TargetID: "t"}
	s := &Session{
		Kind:         key.Kind,
		GuildID:      key.GuildID,
		TargetID:     key.TargetID,
		InitiatorID:  "v1",
		Payload:      SessionPayload{Threshold: 5, TargetName: "target", TimeoutMinutes: 10},
		Participants: []SessionParticipant{{UserID: "v1", Username: "one"}},
	}
	require.NoError(t, m1.Open(ctx, s, announceTo("chan")))
	_, err := m1.Contribute(ctx, key, "v2", "two", nil)
	require.NoError(t, err)
	original, err := m1.Get(key)
	require.NoError(t, err)

	// simulate a restart
	m1.Shutdown()
	time.Sleep(10 * time.Millisecond)

	h2 := newRecordingHandler(window, 1)
	m2 := newTestSessionManager(
		t,
		store,
		map[SessionKind]SessionKindHandler{SessionKindPunishment: h2},
	)
	require.NoError(t, m2.Bootstrap(ctx))

	restored, err := m2.Get(key)
	require.NoError(t, err)
	assert.Equal(t, original.Payload, restored.Payload)
	assert.Equal(t, []string{"one", "two"}, restored.ParticipantNames())
	assert.Equal(t, original.CreatedAt, restored.CreatedAt)
	assert.Equal(t, "anchor-"+s.ID, restored.AnchorMessageID)

	remaining, err := m2.Remaining(key)
	require.NoError(t, err)
	assert.LessOrEqual(t, remaining, window)
	assert.Greater(t, remaining, window-time.Minute)

	// the restored session still works
	c, err := m2.Contribute(ctx, key, "v3", "three", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Count)
}

func TestSessionManager_BootstrapExpired(t *testing.T) {
	t.Parallel()
	store := NewSessionStore(newTestDBI(t))
	ctx := context.Background()

	expired := newTestSession(SessionKey{Kind: SessionKindQuiz, GuildID: "g1"}, "a")
	expired.CreatedAt = time.Now().Add(-25 * time.Hour).UnixMilli()
	expired.StepStartedAt = expired.CreatedAt
	require.NoError(t, store.Create(ctx, expired))

	unknown := newTestSession(SessionKey{Kind: SessionKind("fight"), GuildID: "g1"}, "a")
	require.NoError(t, store.Create(ctx, unknown))

	h := newRecordingHandler(24*time.Hour, 1)
	m := newTestSessionManager(t, store, map[SessionKind]SessionKindHandler{SessionKindQuiz: h})
	require.NoError(t, m.Bootstrap(ctx))

	calls := h.resolvedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, ResolutionTimeout, calls[0].Outcome.Resolution)
	assert.Equal(t, expired.ID, calls[0].Session.ID)

	all, err := store.ListAll(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 0, m.registry.Len())
}

// A trivia round interrupted partway resumes from its current step
func TestSessionManager_BootstrapResumesStep(t *testing.T) {
	t.Parallel()
	store := NewSessionStore(newTestDBI(t))
	ctx := context.Background()
	window := 2 * time.Minute

	now := time.Now()
	s := newTestSession(SessionKey{Kind: SessionKindTrivia, GuildID: "g1"}, "a")
	s.Payload = SessionPayload{Title: "Heat", Hints: []string{"1", "2", "3", "4"}}
	s.CreatedAt = now.Add(-5 * time.Minute).UnixMilli()
	s.Step = 2
	s.StepStartedAt = now.Add(-30 * time.Second).UnixMilli()
	require.NoError(t, store.Create(ctx, s))

	h := newRecordingHandler(window, 4)
	m := newTestSessionManager(t, store, map[SessionKind]SessionKindHandler{SessionKindTrivia: h})
	require.NoError(t, m.Bootstrap(ctx))

	restored, err := m.Get(s.Key())
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Step)
	assert.Equal(t, s.Payload.Hints, restored.Payload.Hints)
	assert.Empty(t, h.advancedSteps())

	// step 2 ends six minutes after creation, whenever it was started
	remaining, err := m.Remaining(s.Key())
	require.NoError(t, err)
	assert.LessOrEqual(t, remaining, time.Minute)
	assert.Greater(t, remaining, 50*time.Second)
}

func TestSessionManager_BootstrapOverdueStepAdvances(t *testing.T) {
	t.Parallel()
	store := NewSessionStore(newTestDBI(t))
	ctx := context.Background()
	window := time.Minute

	now := time.Now()
	s := newTestSession(SessionKey{Kind: SessionKindTrivia, GuildID: "g1"}, "a")
	s.CreatedAt = now.Add(-90 * time.Second).UnixMilli()
	s.StepStartedAt = s.CreatedAt
	require.NoError(t, store.Create(ctx, s))

	h := newRecordingHandler(window, 4)
	m := newTestSessionManager(t, store, map[SessionKind]SessionKindHandler{SessionKindTrivia: h})
	require.NoError(t, m.Bootstrap(ctx))

	require.Eventually(
		t, func() bool {
			restored, err := m.Get(s.Key())
			return err == nil && restored.Step == 1
		}, 5*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, []int{1}, h.advancedSteps())
	assert.Empty(t, h.resolvedCalls())
}

// Steps missed while the bot was down are caught up, and the round
// still ends when it would have without the restart
func TestSessionManager_BootstrapKeepsTimeline(t *testing.T) {
	t.Parallel()
	store := NewSessionStore(newTestDBI(t))
	ctx := context.Background()
	window := time.Minute
	steps := 4

	now := time.Now()
	s := newTestSession(SessionKey{Kind: SessionKindTrivia, GuildID: "g1"}, "a")
	s.CreatedAt = now.Add(-210 * time.Second).UnixMilli()
	s.StepStartedAt = s.CreatedAt
	require.NoError(t, store.Create(ctx, s))

	h := newRecordingHandler(window, steps)
	m := newTestSessionManager(
		t,
		store,
		map[SessionKind]SessionKindHandler{SessionKindTrivia: h},
		withClock(func() time.Time { return now }),
	)
	require.NoError(t, m.Bootstrap(ctx))

	assert.Equal(t, []int{1, 2, 3}, h.advancedSteps())
	assert.Empty(t, h.resolvedCalls())

	restored, err := m.Get(s.Key())
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Step)

	stored, err := store.Read(ctx, s.Key())
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Step)
	assert.Equal(t, s.CreatedAt+(3*time.Minute).Milliseconds(), stored.StepStartedAt)

	total := time.Duration(steps) * window
	elapsed := now.Sub(s.CreatedTime())
	remaining, err := m.Remaining(s.Key())
	require.NoError(t, err)
	assert.LessOrEqual(t, remaining, total-elapsed)
	assert.Greater(t, remaining, 25*time.Second)
}

func TestSessionManager_ReconcileKeepsTimeline(t *testing.T) {
	t.Parallel()
	store := NewSessionStore(newTestDBI(t))
	ctx := context.Background()

	now := time.Now()
	h := newRecordingHandler(time.Minute, 4)
	m := newTestSessionManager(
		t,
		store,
		map[SessionKind]SessionKindHandler{SessionKindTrivia: h},
		withClock(func() time.Time { return now }),
	)

	orphan := newTestSession(SessionKey{Kind: SessionKindTrivia, GuildID: "g1"}, "a")
	orphan.CreatedAt = now.Add(-150 * time.Second).UnixMilli()
	orphan.Step = 1
	orphan.StepStartedAt = now.Add(-5 * time.Second).UnixMilli()
	require.NoError(t, store.Create(ctx, orphan))

	require.NoError(t, m.Reconcile(ctx))

	assert.Equal(t, []int{2}, h.advancedSteps())
	remaining, err := m.Remaining(orphan.Key())
	require.NoError(t, err)
	assert.LessOrEqual(t, remaining, 30*time.Second)
	assert.Greater(t, remaining, 25*time.Second)
}

func TestStepSchedule(t *testing.T) {
	t.Parallel()
	h := newRecordingHandler(time.Minute, 4)
	created := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	s := Session{CreatedAt: created.UnixMilli()}

	tests := []struct {
		elapsed   time.Duration
		current   int
		step      int
		remaining time.Duration
	}{
		{0, 0, 0, time.Minute},
		{59 * time.Second, 0, 0, time.Second},
		{90 * time.Second, 0, 1, 30 * time.Second},
		{210 * time.Second, 0, 3, 30 * time.Second},
		{5 * time.Minute, 0, 3, 0},
		{10 * time.Second, 2, 2, 170 * time.Second},
	}
	for _, tc := range tests {
		s.Step = tc.current
		step, remaining := stepSchedule(s, h, created.Add(tc.elapsed))
		assert.Equal(t, tc.step, step, tc.elapsed)
		assert.Equal(t, tc.remaining, remaining, tc.elapsed)
	}
}

func TestSessionManager_Reconcile(t *testing.T) {
	t.Parallel()
	store := NewSessionStore(newTestDBI(t))
	ctx := context.Background()

	h := newRecordingHandler(time.Hour, 1)
	m := newTestSessionManager(t, store, map[SessionKind]SessionKindHandler{SessionKindQuiz: h})

	// open, then delete the row behind the manager's back
	gone := newQuizSession("g1", "a", "blue")
	require.NoError(t, m.Open(ctx, gone, nil))
	require.NoError(t, store.Delete(ctx, gone.Key()))

	// a row the registry doesn't know about
	orphan := newTestSession(SessionKey{Kind: SessionKindQuiz, GuildID: "g2"}, "a")
	require.NoError(t, store.Create(ctx, orphan))

	// an expired row the registry doesn't know about
	stale := newTestSession(SessionKey{Kind: SessionKindQuiz, GuildID: "g3"}, "a")
	stale.CreatedAt = time.Now().Add(-2 * time.Hour).UnixMilli()
	require.NoError(t, store.Create(ctx, stale))

	require.NoError(t, m.Reconcile(ctx))

	_, err := m.Get(gone.Key())
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.Get(orphan.Key())
	require.NoError(t, err)

	_, err = store.Read(ctx, stale.Key())
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, h.resolvedCalls())
}

func TestSessionManager_ShutdownKeepsSessions(t *testing.T) {
	t.Parallel()
	store := NewSessionStore(newTestDBI(t))
	ctx := context.Background()
	h := newRecordingHandler(30*time.Millisecond, 1)
	m := newTestSessionManager(t, store, map[SessionKind]SessionKindHandler{SessionKindQuiz: h})

	s := newQuizSession("g1", "a", "blue")
	require.NoError(t, m.Open(ctx, s, nil))
	m.Shutdown()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.resolvedCalls())
	_, err := store.Read(ctx, s.Key())
	require.NoError(t, err)
}
