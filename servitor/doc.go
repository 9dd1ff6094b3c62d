// Package servitor implements a Discord bot that runs timed, collaborative
// sessions in guild channels: member-submitted quizzes, movie trivia and
// vote-driven punishments.
//
// Each session has a public anchor message, a fixed window and a set of
// participants. The session engine keeps at most one open session per
// (kind, guild, target) key, persists sessions so they survive restarts,
// and resolves each one exactly once, either by consensus or by timeout.
//
// Key components of the package include:
//
//   - Servitor: The main struct wiring the bot, API and background jobs.
//   - SessionManager: Opens, contributes to and resolves sessions.
//   - SessionStore / SessionRegistry: Persistence and in-memory scheduling.
//   - Ledger: Achievements and per-member counters.
//   - GuildSettingsCache: Per-guild channels, thresholds and timezone.
//   - Discord: Gateway/webhook integration and command registration.
//   - API: Backend API for bot management and monitoring.
//
// The bot supports these commands:
//
//   - /quiz_start, /quizboard: Member-submitted quizzes.
//   - /trivia: Guess the movie from its plot.
//   - /punish: Vote to time out a member.
//   - /setchan, /setpunishreq, /setpunishtime, /settimezone, /showsetup:
//     Per-guild configuration (administrators only).
//   - /anniv: Birthday calendar, announced daily.
//   - /achievements: A member's unlocked achievements.
package servitor
