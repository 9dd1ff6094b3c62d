package servitor

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

func TestLedger_Grant(t *testing.T) {
	t.Parallel()
	ledger := NewLedger(newTestDBI(t), nil)
	ctx := context.Background()

	granted, err := ledger.Grant(ctx, "g1", "u1", AchievementAwkward)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = ledger.Grant(ctx, "g1", "u1", AchievementAwkward)
	require.NoError(t, err)
	assert.False(t, granted)

	// same achievement, other guild
	granted, err = ledger.Grant(ctx, "g2", "u1", AchievementAwkward)
	require.NoError(t, err)
	assert.True(t, granted)

	_, err = ledger.Grant(ctx, "g1", "u1", AchievementBold)
	require.NoError(t, err)

	names, err := ledger.Achievements(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{AchievementAwkward, AchievementBold}, names)

	names, err = ledger.Achievements(ctx, "g1", "nobody")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLedger_IncrementCounter(t *testing.T) {
	t.Parallel()
	ledger := NewLedger(newTestDBI(t), nil)
	ctx := context.Background()

	n, err := ledger.Counter(ctx, "g1", "u1", CounterQuizScore)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for i := int64(1); i <= 3; i++ {
		n, err = ledger.IncrementCounter(ctx, "g1", "u1", CounterQuizScore)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err = ledger.IncrementCounter(ctx, "g1", "u1", CounterQuizQuestions)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ledger.Counter(ctx, "g1", "u1", CounterQuizScore)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestLedger_IncrementCounterConcurrent(t *testing.T) {
	t.Parallel()
	ledger := NewLedger(newTestDBI(t), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.IncrementCounter(ctx, "g1", "u1", CounterTriviaScore)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := ledger.Counter(ctx, "g1", "u1", CounterTriviaScore)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

func TestLedger_AddResetAndRank(t *testing.T) {
	t.Parallel()
	ledger := NewLedger(newTestDBI(t), nil)
	ctx := context.Background()

	n, err := ledger.AddToCounter(ctx, "g1", "u1", CounterExperience, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)
	n, err = ledger.AddToCounter(ctx, "g1", "u1", CounterExperience, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(300), n)

	_, err = ledger.AddToCounter(ctx, "g1", "u2", CounterExperience, 900)
	require.NoError(t, err)
	_, err = ledger.AddToCounter(ctx, "g1", "u3", CounterExperience, 300)
	require.NoError(t, err)
	_, err = ledger.AddToCounter(ctx, "g2", "u9", CounterExperience, 5000)
	require.NoError(t, err)

	rank, total, err := ledger.CounterRank(ctx, "g1", "u2", CounterExperience)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rank)
	assert.Equal(t, int64(3), total)

	// ties share a rank
	rank, _, err = ledger.CounterRank(ctx, "g1", "u1", CounterExperience)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rank)
	rank, _, err = ledger.CounterRank(ctx, "g1", "u3", CounterExperience)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rank)

	require.NoError(t, ledger.ResetCounter(ctx, "g1", "u1", CounterExperience))
	n, err = ledger.Counter(ctx, "g1", "u1", CounterExperience)
	require.NoError(t, err)
	assert.Zero(t, n)

	rank, total, err = ledger.CounterRank(ctx, "g1", "u1", CounterExperience)
	require.NoError(t, err)
	assert.Zero(t, rank)
	assert.Equal(t, int64(2), total)

	// resetting a counter which doesn't exist is a no-op
	require.NoError(t, ledger.ResetCounter(ctx, "g1", "nobody", CounterExperience))
}

func TestLedger_Leaderboard(t *testing.T) {
	t.Parallel()
	ledger := NewLedger(newTestDBI(t), nil)
	ctx := context.Background()

	for user, score := range map[string]int{"u1": 2, "u2": 5, "u3": 1} {
		for i := 0; i < score; i++ {
			_, err := ledger.IncrementCounter(ctx, "g1", user, CounterQuizScore)
			require.NoError(t, err)
		}
	}
	_, err := ledger.IncrementCounter(ctx, "g2", "u9", CounterQuizScore)
	require.NoError(t, err)

	board, err := ledger.Leaderboard(ctx, "g1", CounterQuizScore, 2)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "u2", board[0].UserID)
	assert.Equal(t, int64(5), board[0].Count)
	assert.Equal(t, "u1", board[1].UserID)
}

func TestAchievementDescription(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		"__**Bold:**__ You tried a command that was over your permissions.",
		AchievementDescription(AchievementBold),
	)
	assert.Equal(t, "__**Unknown**__", AchievementDescription("Unknown"))
	for name := range achievementDescriptions {
		assert.Contains(t, AchievementDescription(name), fmt.Sprintf("**%s:**", name))
	}
}
