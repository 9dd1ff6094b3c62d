package cmd

import (
	"bytes"
	"fmt"
	"github.com/baltarius/servitor/servitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mockPasswords returns a passwordReader yielding each of the given
// passwords in order
func mockPasswords(passwords ...string) passwordReader {
	idx := 0
	return func() ([]byte, error) {
		if idx >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[idx]
		idx++
		return []byte(password), nil
	}
}

func runInit(t *testing.T, dbPath string, input string, passwords ...string) (string, error) {
	t.Helper()
	t.Setenv("SV_DATABASE_TYPE", "sqlite")
	t.Setenv("SV_DATABASE", dbPath)

	customPasswordReader = mockPasswords(passwords...)

	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	return out.String(), err
}

func openTestDB(t *testing.T, dbPath string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestInitCommand(t *testing.T) {
	resetRoot(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")

	output, err := runInit(
		t,
		dbPath,
		"testadmin\n",
		"testpassword", "mismatched",
		"short", "short",
		"testpassword", "testpassword",
	)
	require.NoError(t, err)
	t.Logf("output: %s", output)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Passwords do not match. Please try again.")
	assert.Contains(t, output, "Password must be at least 8 characters")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db := openTestDB(t, dbPath)

	var config servitor.RuntimeConfig
	require.NoError(t, db.First(&config).Error)
	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.NotEqual(t, "testpassword", config.AdminPassword)

	valid, err := servitor.VerifyPassword(config.AdminPassword, "testpassword")
	require.NoError(t, err)
	assert.True(t, valid)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&servitor.RuntimeConfig{}))
	assert.True(t, mg.HasTable(&servitor.GuildSettings{}))
	assert.True(t, mg.HasTable(&servitor.Session{}))
	assert.True(t, mg.HasTable(&servitor.SessionParticipant{}))
	assert.True(t, mg.HasTable(&servitor.Achievement{}))
	assert.True(t, mg.HasTable(&servitor.AchievementCounter{}))
	assert.True(t, mg.HasTable(&servitor.Anniversary{}))
	assert.True(t, mg.HasTable(&servitor.InteractionLog{}))
}

func TestInitCommand_AlreadySet(t *testing.T) {
	resetRoot(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")

	_, err := runInit(t, dbPath, "testadmin\n", "testpassword", "testpassword")
	require.NoError(t, err)

	output, err := runInit(t, dbPath, "")
	require.NoError(t, err)
	assert.Contains(t, output, "Admin credentials are already set.")
	assert.NotContains(t, output, "Enter admin username:")

	var count int64
	require.NoError(t, openTestDB(t, dbPath).Model(&servitor.RuntimeConfig{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestInitCommand_EmptyUsername(t *testing.T) {
	resetRoot(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")

	_, err := runInit(t, dbPath, "\n")
	assert.ErrorContains(t, err, "username cannot be empty")
}
