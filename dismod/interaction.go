package dismod

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionLog is a record of every interaction received
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	CommandName   string `json:"command_name" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string;index"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Context       string `json:"context" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       interactionContextName(i.Context),
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.CommandName = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

// interactionContextName returns a readable name for where an
// interaction was invoked
func interactionContextName(c discordgo.InteractionContextType) string {
	switch c {
	case discordgo.InteractionContextGuild:
		return "guild"
	case discordgo.InteractionContextBotDM:
		return "bot_dm"
	case discordgo.InteractionContextPrivateChannel:
		return "private_channel"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// InteractionHandler responds to a single Discord interaction.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}
