package servitor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	columnGuildID     = "guild_id"
	columnSessionID   = "session_id"
	columnSessionKind = "kind"
	columnTargetID    = "target_id"
	columnAnchorID    = "anchor_message_id"
	columnStep        = "step"
	columnStepStarted = "step_started_at"
)

var (
	// ErrDuplicateSession is returned when a session is opened for a key
	// which already has an open session.
	ErrDuplicateSession = errors.New("a session is already running")

	// ErrSessionNotFound is returned when no open session exists for a key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyOpen is returned by [SessionRegistry.Open] when the
	// key is already registered.
	ErrSessionAlreadyOpen = errors.New("session already open in registry")

	// ErrAnchorMessageGone means the message representing the session's
	// public state no longer exists.
	ErrAnchorMessageGone = errors.New("anchor message no longer exists")
)

// DownstreamPermissionError is returned when the bot lacks the permission
// needed to apply a session's side effect (ex: timing out a member).
type DownstreamPermissionError struct {
	Action string
	Err    error
}

func (e *DownstreamPermissionError) Error() string {
	return fmt.Sprintf("missing permission to %s: %v", e.Action, e.Err)
}

func (e *DownstreamPermissionError) Unwrap() error {
	return e.Err
}

// SessionKind identifies the variant of a session
type SessionKind string

const (
	SessionKindQuiz       SessionKind = "quiz"
	SessionKindTrivia     SessionKind = "trivia"
	SessionKindPunishment SessionKind = "punishment"
)

func (k SessionKind) Valid() bool {
	switch k {
	case SessionKindQuiz, SessionKindTrivia, SessionKindPunishment:
		return true
	default:
		return false
	}
}

// Resolution is how a session ended
type Resolution string

const (
	ResolutionConsensus Resolution = "consensus"
	ResolutionTimeout   Resolution = "timeout"
)

// SessionKey identifies an open session. Quiz and trivia sessions are
// keyed by guild, punishment votes by guild and target.
type SessionKey struct {
	Kind     SessionKind `json:"kind"`
	GuildID  string      `json:"guild_id"`
	TargetID string      `json:"target_id,omitempty"`
}

func (k SessionKey) String() string {
	if k.TargetID == "" {
		return fmt.Sprintf("%s:%s", k.Kind, k.GuildID)
	}
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.GuildID, k.TargetID)
}

func (k SessionKey) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(k.Kind)),
		slog.String(columnGuildID, k.GuildID),
	}
	if k.TargetID != "" {
		attrs = append(attrs, slog.String(columnTargetID, k.TargetID))
	}
	return slog.GroupValue(attrs...)
}

// SessionPayload is the kind-specific content of a session
type SessionPayload struct {
	// Quiz
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`

	// Trivia
	Title string   `json:"title,omitempty"`
	Hints []string `json:"hints,omitempty"`

	// Punishment
	TargetName     string `json:"target_name,omitempty"`
	Threshold      int    `json:"threshold,omitempty"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty"`

	InitiatorName string `json:"initiator_name,omitempty"`
}

// Session is a time-bounded, keyed unit of shared state: one open quiz,
// trivia round or punishment vote. The row is deleted on resolution.
//
//nolint:lll // struct tags can't be split
type Session struct {
	ID       string      `gorm:"primaryKey" json:"id"`
	Kind     SessionKind `gorm:"type:string;not null;uniqueIndex:idx_session_key" json:"kind"`
	GuildID  string      `gorm:"type:string;not null;uniqueIndex:idx_session_key" json:"guild_id"`
	TargetID string      `gorm:"type:string;not null;default:'';uniqueIndex:idx_session_key" json:"target_id,omitempty"`

	InitiatorID     string `gorm:"type:string;not null" json:"initiator_id"`
	ChannelID       string `gorm:"type:string" json:"channel_id"`
	AnchorMessageID string `gorm:"type:string" json:"anchor_message_id,omitempty"`

	Payload SessionPayload `gorm:"serializer:json;type:text" json:"payload"`

	// Step is the index of the current step (trivia hint). StepStartedAt
	// is when it began, in milliseconds. Steps never drift from
	// CreatedAt: step n always starts n windows after it.
	Step          int   `gorm:"not null;default:0" json:"step"`
	StepStartedAt int64 `json:"step_started_at"`

	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at"`

	Participants []SessionParticipant `gorm:"foreignKey:SessionID" json:"participants,omitempty"`
}

func (Session) TableName() string {
	return "sessions"
}

func (s Session) Key() SessionKey {
	return SessionKey{Kind: s.Kind, GuildID: s.GuildID, TargetID: s.TargetID}
}

func (s Session) CreatedTime() time.Time {
	return time.UnixMilli(s.CreatedAt)
}

// HasParticipant reports whether userID has already contributed
func (s Session) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ParticipantNames returns the usernames of participants, in the
// order they joined
func (s Session) ParticipantNames() []string {
	names := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		names = append(names, p.Username)
	}
	return names
}

func (s Session) clone() Session {
	c := s
	if s.Participants != nil {
		c.Participants = append([]SessionParticipant(nil), s.Participants...)
	}
	if s.Payload.Hints != nil {
		c.Payload.Hints = append([]string(nil), s.Payload.Hints...)
	}
	return c
}

func (s Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.Any("key", s.Key()),
		slog.String("initiator_id", s.InitiatorID),
		slog.Int("participants", len(s.Participants)),
		slog.Int("step", s.Step),
	)
}

// SessionParticipant is a user who contributed to a session (answered
// wrong, or voted). A user is a participant at most once per session.
type SessionParticipant struct {
	ModelUintID
	SessionID string `gorm:"type:string;not null;uniqueIndex:idx_session_participant" json:"session_id"`
	UserID    string `gorm:"type:string;not null;uniqueIndex:idx_session_participant" json:"user_id"`
	Username  string `gorm:"type:string" json:"username"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (SessionParticipant) TableName() string {
	return "session_participants"
}

// Outcome describes how a session is being resolved
type Outcome struct {
	Resolution Resolution
	WinnerID   string
	WinnerName string

	// Count is the participant count at resolution
	Count int
}
