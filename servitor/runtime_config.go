package servitor

import (
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"log/slog"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

var structValidator = validator.New()

// RuntimeConfig holds the live settings of the bot which persist across
// restarts, and may be modified from the admin API while running.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While paused,
	// new sessions can't be started, but open sessions still resolve.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection.
	// Quiz and trivia answers are only received via the gateway.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// RecoverPanic determines whether the bot should recover from panics
	// while handling interactions and messages
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// Error message sent to the user when their command fails unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// If specified, the bot will send its startup message here
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel               DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	SessionLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:session_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"session_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	info := DBLogLevel(slog.LevelInfo.String())
	return RuntimeConfig{
		DiscordGatewayEnabled:  true,
		DiscordCustomStatus:    DefaultDiscordCustomStatus,
		DiscordErrorMessage:    DefaultDiscordErrorMessage,
		LogLevel:               info,
		DiscordLogLevel:        info,
		DiscordGoLogLevel:      DBLogLevel(slog.LevelWarn.String()),
		DatabaseLogLevel:       info,
		DiscordWebhookLogLevel: info,
		APILogLevel:            info,
		SessionLogLevel:        info,
	}
}

// RuntimeConfigUpdate is the PATCH payload for the runtime config.
// Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty" binding:"omitnil,max=32"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	SessionLogLevel        *DBLogLevel `json:"session_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(
		validateGuildSettingsUpdate,
		GuildSettingsUpdate{},
	)
}
