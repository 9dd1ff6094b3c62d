package servitor

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionHandler abstracts how an interaction was received, so
// commands run the same whether they arrived over the gateway or
// the webhook server.
type InteractionHandler interface {
	// Respond sends the response to the interaction
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	Logger() *slog.Logger

	// Config returns the runtime config at the time the interaction
	// was received
	Config() RuntimeConfig
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	config      RuntimeConfig
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Config() RuntimeConfig {
	return w.config
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// InteractionLog records every interaction received
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"`
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	Command       string                          `json:"command" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string;index"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Context       string                          `json:"context" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (InteractionLog) TableName() string {
	return "interaction_logs"
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	method DiscordInteractionReceiveMethod,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		Method:        method,
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       fmt.Sprint(i.Context),
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.Command = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

// ephemeralResponse is a message response only the invoking user can see
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: truncate(content, discordMaxMessageLength),
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// publicResponse is a message response visible to the channel
func publicResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: truncate(content, discordMaxMessageLength),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
	}
}

func embedResponse(embed *discordgo.MessageEmbed, ephemeral bool) *discordgo.InteractionResponse {
	data := &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}

// respond sends resp, logging failures. Commands have nothing further
// to do if the response couldn't be sent.
func respond(ctx context.Context, handler InteractionHandler, resp *discordgo.InteractionResponse) {
	if err := handler.Respond(ctx, resp); err != nil {
		contextLoggerOr(ctx, handler.Logger()).ErrorContext(
			ctx,
			"error sending interaction response",
			tint.Err(err),
		)
	}
}
