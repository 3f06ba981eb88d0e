// Package discord adapts the playback core to the Discord gateway:
// prefix commands in, voice connections and channel messages out.
package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/tkd55/melobot/internal/app/player"
	"github.com/tkd55/melobot/internal/app/session"
)

// Bot owns the gateway session and implements the core's Connector,
// Notifier, Presence and presence.Setter interfaces.
type Bot struct {
	session *discordgo.Session
	prefix  string
	ctrl    *player.Controller
}

// New creates the gateway session. Attach must be called before Open.
func New(token, prefix string) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "discord session")
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	b := &Bot{session: s, prefix: prefix}
	s.AddHandler(b.onReady)
	s.AddHandler(b.onMessageCreate)
	s.AddHandler(b.onVoiceStateUpdate)
	return b, nil
}

// Attach wires the playback controller into the gateway handlers.
func (b *Bot) Attach(ctrl *player.Controller) {
	b.ctrl = ctrl
}

// Open connects to the gateway.
func (b *Bot) Open() error {
	if b.ctrl == nil {
		return errors.New("controller not attached")
	}
	return errors.Wrap(b.session.Open(), "gateway open")
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	return b.session.Close()
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	zlog.Info().Str("user", r.User.Username).Msg("bot started")
}

// onVoiceStateUpdate watches for the bot itself losing its voice
// channel, for whatever reason, and hands the drop to the controller
// for reconciliation.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, m *discordgo.VoiceStateUpdate) {
	if s.State.User == nil || m.UserID != s.State.User.ID {
		return
	}
	if m.BeforeUpdate == nil || m.BeforeUpdate.ChannelID == "" || m.ChannelID != "" {
		return
	}
	guildID := m.GuildID
	if guildID == "" {
		guildID = m.BeforeUpdate.GuildID
	}
	b.ctrl.HandleDrop(guildID)
}

// Join implements player.Connector.
func (b *Bot) Join(ctx context.Context, guildID, channelID string) (session.Conn, error) {
	vc, err := b.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, errors.Wrap(err, "voice join")
	}
	return &voiceConn{vc: vc}, nil
}

// Send implements player.Notifier. Failures are logged only.
func (b *Bot) Send(channelID, message string) {
	if _, err := b.session.ChannelMessageSend(channelID, message); err != nil {
		zlog.Warn().Err(err).Str("channel_id", channelID).Msg("message send failed")
	}
}

// NowPlaying implements player.Presence.
func (b *Bot) NowPlaying(title string) {
	if err := b.session.UpdateListeningStatus(title); err != nil {
		zlog.Debug().Err(err).Msg("presence update failed")
	}
}

// SetStatus implements presence.Setter.
func (b *Bot) SetStatus(status string) {
	if err := b.session.UpdateCustomStatus(status); err != nil {
		zlog.Debug().Err(err).Msg("status update failed")
	}
}

// voiceConn wraps a discordgo voice connection as a session.Conn.
type voiceConn struct {
	vc *discordgo.VoiceConnection
}

func (c *voiceConn) Disconnect() error {
	return c.vc.Disconnect()
}

func (c *voiceConn) Speaking(on bool) error {
	return c.vc.Speaking(on)
}

func (c *voiceConn) OpusSend() chan<- []byte {
	return c.vc.OpusSend
}
