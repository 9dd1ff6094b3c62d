package servitor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
)

// DiscordWebhookServer receives interactions over HTTP, as an alternative
// to the gateway
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	d.logger.InfoContext(ctx, "webhook server listening", "addr", d.config.Listen)
	if d.httpServer.TLSConfig == nil {
		d.logger.Warn("starting server without TLS")
		return d.httpServer.ListenAndServe()
	}
	return d.httpServer.ListenAndServeTLS("", "")
}

func newWebhookServer(
	s *Servitor,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(
		loggerNameKey, "discord_webhook",
	)

	r := gin.New()
	server := &DiscordWebhookServer{config: config, engine: r, logger: logger}

	server.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		server.httpServer.TLSConfig = tlsCfg
	}

	if !s.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		discordRequestAuthenticationMiddleware(s.discord.publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			if s.webhookInteractionHandler == nil {
				c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
				return
			}
			s.webhookInteractionHandler(c)
		},
	)
	return server, nil
}

// WebhookHandler implements [InteractionHandler] for interactions
// received by the webhook server. The response is the HTTP reply.
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler returns the handler for interaction POSTs. The
// request body has already been authenticated.
func webhookReceiveHandler(ctx context.Context, s *Servitor) func(c *gin.Context) {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if err = json.Unmarshal(body, &interaction); err != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		if interaction.Interaction == nil {
			c.JSON(http.StatusBadRequest, httpError{Error: "missing interaction"})
			return
		}

		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: s.getInteractionHandlerFunc(runCtx, &interaction),
		}
		s.handleInteraction(runCtx, handler)
	}
}

// discordRequestAuthenticationMiddleware rejects requests without a valid
// ed25519 signature from discord.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(publicKey) != ed25519.PublicKeySize || !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the signature of timestamp+body. The body is
// restored for the next handler.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()

	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}
	return ed25519.Verify(key, msg.Bytes(), sig)
}
