package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/baltarius/servitor/servitor"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
	"os"
	"strings"
)

const minAdminPasswordLength = 8

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New(
				"database type not set (must be one of: sqlite, postgres)",
			)
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := servitor.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		var runtimeConfig servitor.RuntimeConfig
		if err = db.Last(&runtimeConfig).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("error retrieving runtime config: %w", err)
			}
			runtimeConfig = servitor.DefaultRuntimeConfig()
			if err = db.Create(&runtimeConfig).Error; err != nil {
				return fmt.Errorf("error creating runtime config: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(
				out,
				"Initialization complete. You can now start the bot with the 'run' subcommand.",
			)
			return nil
		}

		fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
		username, password, err := promptCredentials(cmd)
		if err != nil {
			return err
		}

		hashedPassword, err := servitor.HashPassword(password)
		if err != nil {
			return fmt.Errorf("error hashing password: %w", err)
		}

		if err = db.Model(&runtimeConfig).Updates(
			map[string]any{
				"admin_username": username,
				"admin_password": hashedPassword,
			},
		).Error; err != nil {
			return fmt.Errorf("error updating admin credentials: %w", err)
		}

		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

// promptCredentials reads the admin username from the command's input,
// and the password (twice) without echo
func promptCredentials(cmd *cobra.Command) (string, string, error) {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	fmt.Fprint(out, "Enter admin username: ")
	username, err := reader.ReadString('\n')
	username = strings.TrimSpace(username)
	if username == "" {
		if err != nil {
			return "", "", fmt.Errorf("error reading username: %w", err)
		}
		return "", "", errors.New("username cannot be empty")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(os.Stdin.Fd()))
		}
	}

	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		password := string(passwordBytes)
		switch {
		case password != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		case len(password) < minAdminPasswordLength:
			fmt.Fprintf(
				out,
				"Password must be at least %d characters. Please try again.\n",
				minAdminPasswordLength,
			)
		default:
			return username, password, nil
		}
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
}
