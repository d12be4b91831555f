// Package commands implements the coachlive Discord slash commands.
package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/coachlive/internal/discord"
	"github.com/MrWong99/coachlive/internal/mastering"
	"github.com/MrWong99/coachlive/internal/protocol"
	"github.com/MrWong99/coachlive/internal/session"
)

// StopButtonID is the custom_id of the stop button sent after a start.
const StopButtonID = "coach_stop"

// commandTimeout bounds connect and disconnect triggered from Discord.
const commandTimeout = 30 * time.Second

// Controller is the part of [session.Client] the commands drive.
type Controller interface {
	Connect(ctx context.Context, cfg session.Config) error
	Disconnect(ctx context.Context) error
	Status() session.Status
	Tips() []protocol.PronunciationTip
}

// CoachCommands holds the dependencies of the /coach command group.
type CoachCommands struct {
	ctrl     Controller
	perms    *discord.PermissionChecker
	defaults func() session.Config
	now      func() time.Time
}

// NewCoachCommands creates the command group. defaults supplies the session
// config a start begins from; options given in the command override it.
func NewCoachCommands(ctrl Controller, perms *discord.PermissionChecker, defaults func() session.Config) *CoachCommands {
	return &CoachCommands{ctrl: ctrl, perms: perms, defaults: defaults, now: time.Now}
}

// Register adds /coach and the stop button to router.
func (cc *CoachCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("coach", cc.Definition(), func(s discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/coach start`, `/coach stop`, `/coach status` or `/coach tips`.")
	})
	router.RegisterHandler("coach/start", cc.handleStart)
	router.RegisterHandler("coach/stop", cc.handleStop)
	router.RegisterHandler("coach/status", cc.handleStatus)
	router.RegisterHandler("coach/tips", cc.handleTips)
	router.RegisterComponent(StopButtonID, cc.handleStop)
}

// Definition returns the ApplicationCommand definition for Discord.
func (cc *CoachCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "coach",
		Description: "Control the live speaking coach",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start a coaching session in the configured voice channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "voice",
						Description: "Prebuilt voice of the coach",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "quality",
						Description: "Recording mastering tier",
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "standard", Value: string(mastering.QualityStandard)},
							{Name: "studio", Value: string(mastering.QualityStudio)},
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "End the running session",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the session state",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "tips",
				Description: "Show the latest pronunciation tips",
			},
		},
	}
}

func (cc *CoachCommands) handleStart(s discord.Responder, i *discordgo.InteractionCreate) {
	if !cc.perms.Allowed(i) {
		discord.RespondEphemeral(s, i, "You are not allowed to start a coaching session.")
		return
	}

	cfg := cc.defaults()
	for _, opt := range subcommandOptions(i) {
		switch opt.Name {
		case "voice":
			cfg.Voice = opt.StringValue()
		case "quality":
			cfg.Quality = mastering.Quality(opt.StringValue())
		}
	}

	// Connecting opens the voice channel and the endpoint; it can take longer
	// than the interaction deadline.
	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := cc.ctrl.Connect(ctx, cfg); err != nil {
		discord.FollowUp(s, i, fmt.Sprintf("Failed to start session: %v", err))
		return
	}

	st := cc.ctrl.Status()
	discord.FollowUp(s, i,
		fmt.Sprintf("Coaching session started.\n**Session ID:** `%s`\n**Voice:** %s\n**Quality:** %s",
			st.ID, orDefault(st.Voice), st.Quality),
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Stop", Style: discordgo.DangerButton, CustomID: StopButtonID},
		}},
	)
}

func (cc *CoachCommands) handleStop(s discord.Responder, i *discordgo.InteractionCreate) {
	if !cc.perms.Allowed(i) {
		discord.RespondEphemeral(s, i, "You are not allowed to stop the coaching session.")
		return
	}

	st := cc.ctrl.Status()
	if st.State != session.StateConnected && st.State != session.StateConnecting {
		discord.RespondEphemeral(s, i, "No active session to stop.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := cc.ctrl.Disconnect(ctx); err != nil {
		discord.RespondError(s, i, fmt.Errorf("stop session: %w", err))
		return
	}

	msg := fmt.Sprintf("Session `%s` stopped.", st.ID)
	if !st.StartedAt.IsZero() {
		msg += fmt.Sprintf("\n**Duration:** %s", cc.now().Sub(st.StartedAt).Truncate(time.Second))
	}
	discord.RespondEphemeral(s, i, msg)
}

func (cc *CoachCommands) handleStatus(s discord.Responder, i *discordgo.InteractionCreate) {
	st := cc.ctrl.Status()
	fields := []*discordgo.MessageEmbedField{
		{Name: "State", Value: st.State.String(), Inline: true},
	}
	if st.ID != "" {
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "Session", Value: "`" + st.ID + "`", Inline: true},
			&discordgo.MessageEmbedField{Name: "Voice", Value: orDefault(st.Voice), Inline: true},
			&discordgo.MessageEmbedField{Name: "Quality", Value: string(st.Quality), Inline: true},
		)
	}
	if !st.StartedAt.IsZero() {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Started",
			Value:  fmt.Sprintf("<t:%d:R>", st.StartedAt.Unix()),
			Inline: true,
		})
	}
	recording := "none"
	if st.HasRecording {
		recording = "available"
	}
	fields = append(fields, &discordgo.MessageEmbedField{Name: "Recording", Value: recording, Inline: true})

	discord.RespondEmbed(s, i, &discordgo.MessageEmbed{
		Title:  "Coaching session",
		Color:  stateColor(st.State),
		Fields: fields,
	})
}

func (cc *CoachCommands) handleTips(s discord.Responder, i *discordgo.InteractionCreate) {
	tips := cc.ctrl.Tips()
	if len(tips) == 0 {
		discord.RespondEphemeral(s, i, "No pronunciation tips yet.")
		return
	}
	var b strings.Builder
	for idx := len(tips) - 1; idx >= 0; idx-- {
		fmt.Fprintf(&b, "**%s**: %s\n", tips[idx].Word, tips[idx].Correction)
	}
	discord.RespondEmbed(s, i, &discordgo.MessageEmbed{
		Title:       "Pronunciation tips",
		Description: b.String(),
	})
}

// subcommandOptions returns the options of the invoked subcommand.
func subcommandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil
	}
	return data.Options[0].Options
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

func stateColor(s session.State) int {
	switch s {
	case session.StateConnected:
		return 0x2ecc71
	case session.StateConnecting:
		return 0xf1c40f
	case session.StateError:
		return 0xe74c3c
	default:
		return 0x95a5a6
	}
}
