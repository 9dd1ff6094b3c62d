package cmd

import (
	"context"
	"fmt"
	"github.com/baltarius/servitor/servitor"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = servitor.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"sessions.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

// stringSliceKeys are whitespace-separated when set from the environment
var stringSliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "servitor [flags]",
	Short: "Discord bot running quizzes, movie trivia and punishment votes",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return decodeConfig(cfg)
	},
}

func decodeConfig(target *servitor.Config) error {
	return viper.Unmarshal(
		target,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
		func(c *mapstructure.DecoderConfig) {
			// replace default slices rather than writing over them
			c.ZeroFields = true
		},
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes strings like "INFO" or "debug" into
// a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, cancelling its context on
// SIGINT/SIGTERM/SIGHUP
func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func loadEnvFile() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
		return
	}
	log.Println("loading env from file", configFile)
	if err := godotenv.Load(configFile); err != nil {
		log.Printf("unable to load %s: %v", configFile, err)
	}
}

func setDefaults() {
	viper.SetDefault("database", servitor.DefaultDatabase)
	viper.SetDefault("database_type", servitor.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", servitor.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", servitor.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", servitor.DefaultLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("startup_timeout", servitor.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", servitor.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", servitor.DefaultRuntimeConfigTTL)
	viper.SetDefault("guild_settings_ttl", servitor.DefaultGuildSettingsTTL)

	// Sessions
	viper.SetDefault("sessions.log_level", servitor.DefaultSessionLogLevel.String())
	viper.SetDefault("sessions.bootstrap_limit", servitor.DefaultBootstrapLimit)
	viper.SetDefault("sessions.reconcile_schedule", servitor.DefaultReconcileSchedule)

	// Trivia and anniversaries
	viper.SetDefault("trivia.catalog_file", servitor.DefaultTriviaCatalogFile)
	viper.SetDefault("anniversary.enabled", true)
	viper.SetDefault("anniversary.schedule", servitor.DefaultAnniversarySchedule)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", servitor.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", servitor.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", servitor.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", servitor.DefaultDiscordStartupMessage)

	// Discord: webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", servitor.DefaultDiscordWebhookServerListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", servitor.DefaultReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", servitor.DefaultReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", servitor.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", servitor.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		servitor.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		servitor.DefaultDiscordWebhookServerTLSminVersion,
	)

	// API
	viper.SetDefault("api.listen", servitor.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", servitor.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", servitor.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", servitor.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", servitor.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", servitor.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", servitor.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", servitor.DefaultUITLSMinVersion)

	// API: CORS
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", servitor.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", servitor.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", servitor.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", servitor.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", servitor.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	loadEnvFile()
	setDefaults()

	envPrefix := os.Getenv(servitor.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = servitor.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	// levels stay strings in viper, and are decoded by
	// LevelToStringHookFunc
	for _, key := range logLevelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config (.env) file to use",
	)
}
