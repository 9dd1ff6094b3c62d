package servitor

import (
	"fmt"
	"golang.org/x/time/rate"
	"sync"
	"time"
)

// CooldownPolicy allows Limit invocations of a command per Period,
// per user and guild
type CooldownPolicy struct {
	Limit  int
	Period time.Duration
}

func (p CooldownPolicy) String() string {
	return fmt.Sprintf("%d per %s", p.Limit, p.Period)
}

// DefaultCooldownPolicies are keyed by command name. Commands without
// a policy aren't limited.
func DefaultCooldownPolicies() map[string]CooldownPolicy {
	return map[string]CooldownPolicy{
		commandPunish:       {Limit: 3, Period: time.Hour},
		commandQuizStart:    {Limit: 10, Period: 6 * time.Hour},
		commandTrivia:       {Limit: 10, Period: 6 * time.Hour},
		commandAchievements: {Limit: 1, Period: time.Minute},
		commandSuggest:      {Limit: 2, Period: time.Hour},
		commandLevel:        {Limit: 5, Period: time.Minute},
	}
}

type cooldownKey struct {
	command string
	guildID string
	userID  string
}

// Cooldowns tracks a token bucket per (command, guild, user)
type Cooldowns struct {
	mu       sync.Mutex
	policies map[string]CooldownPolicy
	limiters map[cooldownKey]*rate.Limiter
	now      func() time.Time
}

func NewCooldowns(policies map[string]CooldownPolicy) *Cooldowns {
	return &Cooldowns{
		policies: policies,
		limiters: map[cooldownKey]*rate.Limiter{},
		now:      time.Now,
	}
}

// Allow consumes a token for the user's invocation of command. If none
// is available, it returns false and the time until one will be.
func (c *Cooldowns) Allow(command, guildID, userID string) (bool, time.Duration) {
	policy, ok := c.policies[command]
	if !ok || policy.Limit <= 0 {
		return true, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cooldownKey{command: command, guildID: guildID, userID: userID}
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Every(policy.Period/time.Duration(policy.Limit)),
			policy.Limit,
		)
		c.limiters[key] = limiter
	}

	now := c.now()
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, policy.Period
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Prune drops limiters which have refilled, returning how many
// were removed
func (c *Cooldowns) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, limiter := range c.limiters {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(c.limiters, key)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked limiters
func (c *Cooldowns) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.limiters)
}
