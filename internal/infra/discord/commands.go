package discord

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/tkd55/melobot/internal/app/player"
)

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if !strings.HasPrefix(m.Content, b.prefix) {
		return
	}

	body := strings.TrimPrefix(m.Content, b.prefix)
	name, arg, _ := strings.Cut(body, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)

	var reply string
	var err error
	switch name {
	case "play", "p":
		reply, err = b.handlePlay(s, m, arg)
	case "skip", "s":
		reply, err = b.ctrl.Skip(m.GuildID)
	case "queue", "q":
		reply = b.handleQueue(m.GuildID)
	case "volume", "v":
		reply, err = b.handleVolume(m.GuildID, arg)
	case "clear", "c":
		reply, err = b.ctrl.Clear(m.GuildID)
	case "leave", "l":
		reply, err = b.ctrl.Leave(m.GuildID)
	case "pause", "ps":
		reply, err = b.ctrl.Pause(m.GuildID)
	case "resume", "r":
		reply, err = b.ctrl.Resume(m.GuildID)
	case "now", "n":
		reply = b.handleNow(m.GuildID)
	case "commands", "cmd":
		reply = b.helpText()
	default:
		return
	}

	if err != nil {
		zlog.Debug().Err(err).Str("command", name).Str("guild_id", m.GuildID).Msg("command failed")
		reply = errorMessage(err)
	}
	if reply != "" {
		b.Send(m.ChannelID, reply)
	}
}

// handlePlay checks the invoker is in a voice channel, joins it if
// needed, and hands the query to the controller.
func (b *Bot) handlePlay(s *discordgo.Session, m *discordgo.MessageCreate, query string) (string, error) {
	if query == "" {
		return fmt.Sprintf("⚠️ Usage: %splay [song or URL]", b.prefix), nil
	}

	voiceChannelID := b.memberVoiceChannel(s, m.GuildID, m.Author.ID)
	if voiceChannelID == "" {
		return "❌ You must be in a voice channel!", nil
	}

	ctx := context.Background()
	if err := b.ctrl.EnsureJoined(ctx, m.GuildID, voiceChannelID, m.ChannelID); err != nil {
		zlog.Error().Err(err).Str("guild_id", m.GuildID).Msg("voice join failed")
		return "❌ Could not join the voice channel!", nil
	}

	return b.ctrl.RequestPlay(ctx, m.GuildID, query)
}

func (b *Bot) handleQueue(guildID string) string {
	current, pending := b.ctrl.Queue(guildID)
	if current == "" && len(pending) == 0 {
		return "📪 Queue is empty!"
	}

	var sb strings.Builder
	if current != "" {
		fmt.Fprintf(&sb, "▶️ Now Playing: %s\n", current)
	}
	if len(pending) > 0 {
		sb.WriteString("📝 Up Next:\n")
		for i, title := range pending {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, title)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) handleVolume(guildID, arg string) (string, error) {
	percent, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Sprintf("⚠️ Usage: %svolume [0-100]", b.prefix), nil
	}
	return b.ctrl.SetVolume(guildID, percent)
}

func (b *Bot) handleNow(guildID string) string {
	title, ok := b.ctrl.NowPlaying(guildID)
	if !ok {
		return "⚠️ No song is currently playing!"
	}
	return "🎵 Now playing: **" + title + "**"
}

// memberVoiceChannel returns the voice channel the member currently
// occupies, or empty.
func (b *Bot) memberVoiceChannel(s *discordgo.Session, guildID, userID string) string {
	g, err := s.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range g.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

func (b *Bot) helpText() string {
	p := b.prefix
	return strings.Join([]string{
		"🤖 Commands:",
		fmt.Sprintf("`%splay [song/url]` (`%sp`) - Play music (URL or name)", p, p),
		fmt.Sprintf("`%spause` (`%sps`) - Pause the music", p, p),
		fmt.Sprintf("`%sresume` (`%sr`) - Resume the music", p, p),
		fmt.Sprintf("`%squeue` (`%sq`) - Show song queue", p, p),
		fmt.Sprintf("`%sskip` (`%ss`) - Skip current song", p, p),
		fmt.Sprintf("`%sclear` (`%sc`) - Clear the queue", p, p),
		fmt.Sprintf("`%svolume [0-100]` (`%sv`) - Adjust volume", p, p),
		fmt.Sprintf("`%snow` (`%sn`) - Show current song", p, p),
		fmt.Sprintf("`%sleave` (`%sl`) - Leave channel", p, p),
	}, "\n")
}

// errorMessage renders a command error as a short, specific reply.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, player.ErrNotConnected):
		return "❌ Bot is not in a voice channel!"
	case errors.Is(err, player.ErrResolutionFailed):
		return "❌ Could not find anything to play!"
	case errors.Is(err, player.ErrInvalidVolume):
		return "⚠️ Volume must be between 0 and 100!"
	case errors.Is(err, player.ErrNothingPlaying):
		return "⚠️ No song is currently playing!"
	case errors.Is(err, player.ErrNothingPaused):
		return "⚠️ No song is paused!"
	default:
		return "❌ An error occurred: " + err.Error()
	}
}
