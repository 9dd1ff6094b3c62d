package servitor

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"time"
)

const sessionCallbackTimeout = time.Minute

// SessionKindHandler plugs kind-specific behavior into the
// [SessionManager]. All methods are called while holding the session
// key's lock.
type SessionKindHandler interface {
	// StepWindow is the duration of each step of the session
	StepWindow(s Session) time.Duration

	// StepCount is the number of steps. The session times out when the
	// last step's window elapses.
	StepCount(s Session) int

	// AdvanceStep is called after Session.Step has been incremented,
	// when the previous step's window elapsed. It is called once per
	// step, in order, including steps caught up after a restart.
	AdvanceStep(ctx context.Context, s Session) error

	// Contributed is called when a participant's contribution didn't
	// resolve the session.
	Contributed(ctx context.Context, s Session, c Contribution) error

	// Resolve notifies the session's outcome, and applies its side
	// effects. The session is closed whether or not this returns
	// an error. Returning ErrAnchorMessageGone marks the session
	// as abandoned rather than resolved.
	Resolve(ctx context.Context, s Session, outcome Outcome) error
}

// Contribution is the result of a participant acting on a session
type Contribution struct {
	Session Session

	// Added is false if the user had already contributed
	Added bool

	// Count is the number of participants, including this one
	Count int

	// Outcome is set if the contribution resolved the session
	Outcome *Outcome
}

// ContributionDecider inspects a contribution and returns an Outcome
// if it resolves the session, or nil otherwise. It must not block.
type ContributionDecider func(c Contribution) *Outcome

// SessionManager runs the session lifecycle: open, contribute, advance,
// resolve. Every check-then-act sequence on a key runs inside the
// registry's per-key critical section, so a session is resolved at
// most once, even when a contribution races the timer.
type SessionManager struct {
	store          SessionStore
	registry       *SessionRegistry
	scheduler      *Scheduler
	handlers       map[SessionKind]SessionKindHandler
	metrics        *Metrics
	logger         *slog.Logger
	now            func() time.Time
	bootstrapLimit int
}

type SessionManagerOption func(*SessionManager)

func WithSessionMetrics(m *Metrics) SessionManagerOption {
	return func(sm *SessionManager) {
		sm.metrics = m
	}
}

func WithBootstrapLimit(n int) SessionManagerOption {
	return func(sm *SessionManager) {
		if n > 0 {
			sm.bootstrapLimit = n
		}
	}
}

func withClock(now func() time.Time) SessionManagerOption {
	return func(sm *SessionManager) {
		sm.now = now
	}
}

func NewSessionManager(
	store SessionStore,
	logger *slog.Logger,
	opts ...SessionManagerOption,
) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &SessionManager{
		store:          store,
		registry:       NewSessionRegistry(),
		scheduler:      NewScheduler(),
		handlers:       map[SessionKind]SessionKindHandler{},
		logger:         logger.With(loggerNameKey, "sessions"),
		now:            time.Now,
		bootstrapLimit: DefaultBootstrapLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterHandler sets the handler for a session kind. Handlers must be
// registered before Bootstrap or Open are called.
func (m *SessionManager) RegisterHandler(kind SessionKind, h SessionKindHandler) {
	m.handlers[kind] = h
}

func (m *SessionManager) handler(kind SessionKind) (SessionKindHandler, error) {
	h, ok := m.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for session kind %q", kind)
	}
	return h, nil
}

// Get returns the open session for key, or ErrSessionNotFound
func (m *SessionManager) Get(key SessionKey) (Session, error) {
	return m.registry.Get(key)
}

// Snapshot returns every open session
func (m *SessionManager) Snapshot() []Session {
	return m.registry.Snapshot()
}

// Remaining returns the time left in the session's current step
func (m *SessionManager) Remaining(key SessionKey) (time.Duration, error) {
	t := m.registry.timer(key)
	if t == nil {
		return 0, ErrSessionNotFound
	}
	return t.Remaining(), nil
}

// Open persists a new session, announces it and arms its timer.
//
// announce is called after the session is persisted, and should post
// the anchor message, setting Session.ChannelID and
// Session.AnchorMessageID. If it fails, the session is deleted and the
// error returned. Returns ErrDuplicateSession if the key is taken.
func (m *SessionManager) Open(
	ctx context.Context,
	s *Session,
	announce func(ctx context.Context, s *Session) error,
) error {
	h, err := m.handler(s.Kind)
	if err != nil {
		return err
	}
	key := s.Key()
	logger := contextLoggerOr(ctx, m.logger).With("session_key", key)

	unlock := m.registry.Lock(key)
	defer unlock()

	if _, err = m.registry.Get(key); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, key)
	}

	now := m.now()
	if s.ID == "" {
		s.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	s.CreatedAt = now.UnixMilli()
	s.Step = 0
	s.StepStartedAt = s.CreatedAt

	if err = m.store.Create(ctx, s); err != nil {
		return err
	}

	if announce != nil {
		if err = announce(ctx, s); err != nil {
			logger.WarnContext(ctx, "announcement failed, discarding session", tint.Err(err))
			if delErr := m.store.Delete(context.WithoutCancel(ctx), key); delErr != nil {
				logger.ErrorContext(ctx, "error deleting unannounced session", tint.Err(delErr))
			}
			return err
		}
		if s.ChannelID != "" || s.AnchorMessageID != "" {
			if err = m.store.SetAnchor(ctx, key, s.ChannelID, s.AnchorMessageID); err != nil {
				logger.ErrorContext(ctx, "error saving anchor message", tint.Err(err))
			}
		}
	}

	timer := m.scheduler.Arm(key, h.StepWindow(*s), m.fire)
	if err = m.registry.Open(*s, timer); err != nil {
		timer.Cancel()
		if delErr := m.store.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			logger.ErrorContext(ctx, "error deleting session", tint.Err(delErr))
		}
		return err
	}
	m.metrics.sessionOpened(s.Kind)
	logger.InfoContext(ctx, "opened session", "session", *s)
	return nil
}

// Contribute records userID as a participant in the open session for
// key, then asks decide whether the contribution resolves it. If so,
// the session is resolved before Contribute returns.
//
// Returns ErrSessionNotFound if no session is open for key, including
// when it was resolved by a concurrent contribution.
func (m *SessionManager) Contribute(
	ctx context.Context,
	key SessionKey,
	userID string,
	username string,
	decide ContributionDecider,
) (Contribution, error) {
	h, err := m.handler(key.Kind)
	if err != nil {
		return Contribution{}, err
	}
	logger := contextLoggerOr(ctx, m.logger).With("session_key", key, "user_id", userID)

	unlock := m.registry.Lock(key)
	defer unlock()

	cached, err := m.registry.Get(key)
	if err != nil {
		return Contribution{}, err
	}

	count, added, err := m.store.AddParticipant(ctx, key, userID, username)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			logger.WarnContext(ctx, "session missing from store, closing")
			m.registry.Close(key)
			m.metrics.sessionAbandoned(key.Kind)
		}
		return Contribution{}, err
	}

	s, err := m.store.Read(ctx, key)
	if err != nil {
		logger.ErrorContext(ctx, "error reading session, using cached state", tint.Err(err))
		cached.Participants = append(
			cached.Participants,
			SessionParticipant{SessionID: cached.ID, UserID: userID, Username: username},
		)
		s = &cached
	}
	// the step is only tracked in memory if persisting it failed
	s.Step = max(s.Step, cached.Step)
	_ = m.registry.Update(*s)

	c := Contribution{Session: *s, Added: added, Count: count}
	if decide != nil {
		c.Outcome = decide(c)
	}

	if c.Outcome != nil {
		if c.Outcome.Count == 0 {
			c.Outcome.Count = count
		}
		m.resolveLocked(ctx, *s, *c.Outcome)
		return c, nil
	}

	if err = h.Contributed(ctx, *s, c); err != nil {
		if errors.Is(err, ErrAnchorMessageGone) {
			m.abandonLocked(ctx, *s, err)
			return c, err
		}
		logger.ErrorContext(ctx, "error handling contribution", tint.Err(err))
	}
	return c, nil
}

// Resolve resolves the open session for key with the given outcome.
// Returns ErrSessionNotFound if it isn't open.
func (m *SessionManager) Resolve(ctx context.Context, key SessionKey, outcome Outcome) error {
	unlock := m.registry.Lock(key)
	defer unlock()

	cached, err := m.registry.Get(key)
	if err != nil {
		return err
	}
	s, err := m.store.Read(ctx, key)
	if err != nil {
		s = &cached
	}
	if outcome.Count == 0 {
		outcome.Count = len(s.Participants)
	}
	m.resolveLocked(ctx, *s, outcome)
	return nil
}

// Abandon closes the session for key without notifying its outcome
func (m *SessionManager) Abandon(ctx context.Context, key SessionKey) error {
	unlock := m.registry.Lock(key)
	defer unlock()

	s, err := m.registry.Get(key)
	if err != nil {
		return err
	}
	m.abandonLocked(ctx, s, nil)
	return nil
}

// resolveLocked notifies the outcome, then closes the session. The
// registry entry and store row are removed even if notifying fails.
func (m *SessionManager) resolveLocked(ctx context.Context, s Session, outcome Outcome) {
	key := s.Key()
	logger := contextLoggerOr(ctx, m.logger).With("session_key", key)

	abandoned := false
	defer func() {
		m.registry.Close(key)
		if err := m.store.Delete(context.WithoutCancel(ctx), key); err != nil {
			logger.ErrorContext(ctx, "error deleting session", tint.Err(err))
		}
		if abandoned {
			m.metrics.sessionAbandoned(s.Kind)
		} else {
			m.metrics.sessionClosed(s.Kind, outcome.Resolution)
		}
	}()

	h, err := m.handler(s.Kind)
	if err != nil {
		logger.ErrorContext(ctx, "can't resolve session", tint.Err(err))
		return
	}

	err = h.Resolve(ctx, s, outcome)
	switch {
	case errors.Is(err, ErrAnchorMessageGone):
		abandoned = true
		logger.WarnContext(ctx, "anchor message gone, session abandoned", tint.Err(err))
	case err != nil:
		logger.ErrorContext(
			ctx,
			"error notifying session outcome",
			"resolution", outcome.Resolution,
			tint.Err(err),
		)
	default:
		logger.InfoContext(
			ctx,
			"resolved session",
			"resolution", outcome.Resolution,
			"winner_id", outcome.WinnerID,
			"participants", outcome.Count,
		)
	}
}

func (m *SessionManager) abandonLocked(ctx context.Context, s Session, cause error) {
	key := s.Key()
	m.registry.Close(key)
	if err := m.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		m.logger.ErrorContext(ctx, "error deleting session", "session_key", key, tint.Err(err))
	}
	m.metrics.sessionAbandoned(s.Kind)
	m.logger.WarnContext(ctx, "abandoned session", "session", s, tint.Err(cause))
}

// fire runs when a session's step window elapses. The timer may have
// lost a race with a resolution or been replaced, in which case
// nothing is done.
func (m *SessionManager) fire(key SessionKey, timer *TimerHandle) {
	ctx, cancel := context.WithTimeout(
		WithLogger(context.Background(), m.logger),
		sessionCallbackTimeout,
	)
	defer cancel()
	logger := m.logger.With("session_key", key)

	unlock := m.registry.Lock(key)
	defer unlock()

	if !m.registry.TimerIs(key, timer) {
		logger.DebugContext(ctx, "stale timer, ignoring")
		return
	}

	cached, err := m.registry.Get(key)
	if err != nil {
		return
	}
	s, err := m.store.Read(ctx, key)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		logger.WarnContext(ctx, "session missing from store, closing")
		m.registry.Close(key)
		m.metrics.sessionAbandoned(key.Kind)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error reading session, using cached state", tint.Err(err))
		s = &cached
	}
	s.Step = max(s.Step, cached.Step)

	h, err := m.handler(key.Kind)
	if err != nil {
		logger.ErrorContext(ctx, "no handler for session", tint.Err(err))
		m.registry.Close(key)
		return
	}

	if s.Step+1 < h.StepCount(*s) {
		m.advanceLocked(ctx, *s, h)
		return
	}
	m.resolveLocked(
		ctx,
		*s,
		Outcome{Resolution: ResolutionTimeout, Count: len(s.Participants)},
	)
}

func (m *SessionManager) advanceLocked(ctx context.Context, s Session, h SessionKindHandler) {
	key := s.Key()
	logger := m.logger.With("session_key", key)

	step, _ := stepSchedule(s, h, m.now())
	s, ok := m.catchUpLocked(ctx, s, h, max(step, s.Step+1))
	if !ok {
		return
	}

	_, remaining := stepSchedule(s, h, m.now())
	timer := m.scheduler.Arm(key, remaining, m.fire)
	_ = m.registry.Update(s)
	if err := m.registry.ReplaceTimer(key, timer); err != nil {
		timer.Cancel()
	}
	logger.InfoContext(ctx, "advanced session", "step", s.Step, "remaining", remaining)
}

// stepSchedule places a session on its fixed timeline, where step n
// runs from created+n*window to created+(n+1)*window. It returns the
// step the session should be on at now, never behind s.Step, and the
// time left until that step ends.
func stepSchedule(s Session, h SessionKindHandler, now time.Time) (int, time.Duration) {
	window := h.StepWindow(s)
	step := s.Step
	if window > 0 {
		due := int(now.Sub(s.CreatedTime()) / window)
		step = max(step, min(due, h.StepCount(s)-1))
	}
	ends := s.CreatedTime().Add(time.Duration(step+1) * window)
	return step, max(ends.Sub(now), 0)
}

// catchUpLocked moves s forward to target, running the handler for
// every step in between so no hint is skipped. It returns false if the
// session was abandoned along the way.
func (m *SessionManager) catchUpLocked(
	ctx context.Context,
	s Session,
	h SessionKindHandler,
	target int,
) (Session, bool) {
	if target <= s.Step {
		return s, true
	}
	key := s.Key()
	logger := m.logger.With("session_key", key)
	window := h.StepWindow(s)

	for s.Step < target {
		s.Step++
		s.StepStartedAt = s.CreatedTime().Add(time.Duration(s.Step) * window).UnixMilli()
		if err := h.AdvanceStep(ctx, s); err != nil {
			if errors.Is(err, ErrAnchorMessageGone) {
				m.abandonLocked(ctx, s, err)
				return s, false
			}
			logger.ErrorContext(ctx, "error advancing session", "step", s.Step, tint.Err(err))
		}
	}
	if err := m.store.Advance(ctx, key, s.Step, s.StepStartedAt); err != nil {
		logger.ErrorContext(ctx, "error saving session step", tint.Err(err))
	}
	return s, true
}

// Bootstrap repopulates the registry from the store. A session keeps
// the timeline it was opened with: steps which elapsed while the bot
// was down are caught up, and the timer is armed for what is left of
// the current one. A session whose total duration has elapsed is
// resolved by timeout immediately, and rows of unknown kinds are
// deleted.
func (m *SessionManager) Bootstrap(ctx context.Context) error {
	sessions, err := m.store.ListAll(ctx, "")
	if err != nil {
		return fmt.Errorf("error listing sessions: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(m.bootstrapLimit)

	var restored, expired int
	for _, s := range sessions {
		key := s.Key()
		h, hErr := m.handler(s.Kind)
		if hErr != nil {
			m.logger.WarnContext(ctx, "dropping session of unknown kind", "session", s)
			if delErr := m.store.Delete(ctx, key); delErr != nil {
				m.logger.ErrorContext(ctx, "error deleting session", tint.Err(delErr))
			}
			continue
		}

		if expiredAt(s, h, m.now()) {
			expired++
			g.Go(
				func() error {
					unlock := m.registry.Lock(key)
					defer unlock()
					m.metrics.sessionRestored(s.Kind)
					m.resolveLocked(
						ctx,
						s,
						Outcome{Resolution: ResolutionTimeout, Count: len(s.Participants)},
					)
					return nil
				},
			)
			continue
		}

		if m.restore(ctx, s, h) {
			restored++
		}
	}
	_ = g.Wait()

	m.logger.InfoContext(
		ctx,
		"bootstrapped sessions",
		"restored", restored,
		"expired", expired,
	)
	return nil
}

// expiredAt reports whether every step of s has elapsed by now
func expiredAt(s Session, h SessionKindHandler, now time.Time) bool {
	total := time.Duration(h.StepCount(s)) * h.StepWindow(s)
	return now.Sub(s.CreatedTime()) >= total
}

// restore registers a persisted session, catching up its steps and
// arming a timer for the rest of the current one. It returns false if
// the session was already open or was abandoned.
func (m *SessionManager) restore(ctx context.Context, s Session, h SessionKindHandler) bool {
	unlock := m.registry.Lock(s.Key())
	defer unlock()
	return m.restoreLocked(ctx, s, h)
}

func (m *SessionManager) restoreLocked(ctx context.Context, s Session, h SessionKindHandler) bool {
	key := s.Key()
	if _, err := m.registry.Get(key); err == nil {
		return false
	}

	step, _ := stepSchedule(s, h, m.now())
	s, ok := m.catchUpLocked(ctx, s, h, step)
	if !ok {
		return false
	}

	_, remaining := stepSchedule(s, h, m.now())
	timer := m.scheduler.Arm(key, remaining, m.fire)
	if err := m.registry.Open(s, timer); err != nil {
		timer.Cancel()
		return false
	}
	m.metrics.sessionRestored(s.Kind)
	m.logger.InfoContext(ctx, "restored session", "session", s, "remaining", remaining)
	return true
}

// Reconcile compares the registry with the store. Registry entries
// without a row are closed. Rows without a registry entry are
// restored, or deleted if their time is up.
func (m *SessionManager) Reconcile(ctx context.Context) error {
	sessions, err := m.store.ListAll(ctx, "")
	if err != nil {
		return fmt.Errorf("error listing sessions: %w", err)
	}

	stored := make(map[SessionKey]Session, len(sessions))
	for _, s := range sessions {
		stored[s.Key()] = s
	}

	for _, s := range m.registry.Snapshot() {
		key := s.Key()
		if _, ok := stored[key]; ok {
			continue
		}
		unlock := m.registry.Lock(key)
		if _, readErr := m.store.Read(ctx, key); errors.Is(readErr, ErrSessionNotFound) {
			if m.registry.Close(key) {
				m.metrics.sessionAbandoned(key.Kind)
				m.logger.WarnContext(ctx, "closed session missing from store", "session", s)
			}
		}
		unlock()
	}

	for key := range stored {
		m.reconcileStored(ctx, key)
	}
	return nil
}

// reconcileStored restores or deletes a stored session which has no
// registry entry. Both are re-checked under the key's lock, as the
// session may be in the middle of being opened.
func (m *SessionManager) reconcileStored(ctx context.Context, key SessionKey) {
	unlock := m.registry.Lock(key)
	defer unlock()

	if _, err := m.registry.Get(key); err == nil {
		return
	}
	h, err := m.handler(key.Kind)
	if err != nil {
		return
	}
	s, err := m.store.Read(ctx, key)
	if err != nil {
		return
	}

	if expiredAt(*s, h, m.now()) {
		m.logger.WarnContext(ctx, "deleting orphaned expired session", "session", *s)
		if delErr := m.store.Delete(ctx, key); delErr != nil {
			m.logger.ErrorContext(ctx, "error deleting session", tint.Err(delErr))
		}
		return
	}
	m.restoreLocked(ctx, *s, h)
}

// Shutdown stops every timer without firing it. Sessions stay in the
// store, to be restored by the next Bootstrap.
func (m *SessionManager) Shutdown() {
	m.scheduler.Stop()
}
