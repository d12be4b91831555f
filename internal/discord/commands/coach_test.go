package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/coachlive/internal/discord"
	"github.com/MrWong99/coachlive/internal/mastering"
	"github.com/MrWong99/coachlive/internal/protocol"
	"github.com/MrWong99/coachlive/internal/session"
)

type fakeResponder struct {
	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
	followUps []*discordgo.WebhookParams
}

func (f *fakeResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followUps = append(f.followUps, data)
	return &discordgo.Message{}, nil
}

func (f *fakeResponder) lastContent(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		t.Fatal("no response sent")
	}
	return f.responses[len(f.responses)-1].Data.Content
}

type fakeController struct {
	mu          sync.Mutex
	status      session.Status
	tips        []protocol.PronunciationTip
	connectErr  error
	connected   []session.Config
	disconnects int
}

func (f *fakeController) Connect(_ context.Context, cfg session.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = append(f.connected, cfg)
	f.status = session.Status{
		ID:      "sess-1",
		State:   session.StateConnected,
		Voice:   cfg.Voice,
		Quality: cfg.Quality,
	}
	return nil
}

func (f *fakeController) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.status.State = session.StateDisconnected
	return nil
}

func (f *fakeController) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Tips() []protocol.PronunciationTip {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tips
}

func newRouter(ctrl Controller, roleID string) *discord.CommandRouter {
	r := discord.NewCommandRouter()
	NewCoachCommands(ctrl, discord.NewPermissionChecker(roleID), func() session.Config {
		return session.Config{Voice: "Puck", Quality: mastering.QualityStandard}
	}).Register(r)
	return r
}

func coach(sub string, roles []string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:   discordgo.InteractionApplicationCommand,
		Member: &discordgo.Member{Roles: roles},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "coach",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name:    sub,
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: opts,
			}},
		},
	}}
}

func stringOpt(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func TestCoach_Start(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	r := newRouter(ctrl, "")
	resp := &fakeResponder{}

	r.Handle(resp, coach("start", nil, stringOpt("voice", "Kore"), stringOpt("quality", "studio")))

	if len(ctrl.connected) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(ctrl.connected))
	}
	cfg := ctrl.connected[0]
	if cfg.Voice != "Kore" || cfg.Quality != mastering.QualityStudio {
		t.Errorf("config = %+v, want voice Kore quality studio", cfg)
	}
	if len(resp.responses) != 1 || resp.responses[0].Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Fatalf("responses = %+v, want one deferred reply", resp.responses)
	}
	if len(resp.followUps) != 1 {
		t.Fatalf("follow-ups = %d, want 1", len(resp.followUps))
	}
	fu := resp.followUps[0]
	if !strings.Contains(fu.Content, "sess-1") {
		t.Errorf("follow-up %q does not mention the session id", fu.Content)
	}
	if len(fu.Components) != 1 {
		t.Fatalf("components = %d, want the stop button row", len(fu.Components))
	}
	row := fu.Components[0].(discordgo.ActionsRow)
	if btn := row.Components[0].(discordgo.Button); btn.CustomID != StopButtonID {
		t.Errorf("button custom id = %q, want %q", btn.CustomID, StopButtonID)
	}
}

func TestCoach_StartDefaults(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	newRouter(ctrl, "").Handle(&fakeResponder{}, coach("start", nil))

	if len(ctrl.connected) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(ctrl.connected))
	}
	if got := ctrl.connected[0]; got.Voice != "Puck" || got.Quality != mastering.QualityStandard {
		t.Errorf("config = %+v, want the defaults", got)
	}
}

func TestCoach_StartFails(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{connectErr: errors.New("endpoint refused")}
	resp := &fakeResponder{}
	newRouter(ctrl, "").Handle(resp, coach("start", nil))

	if len(resp.followUps) != 1 || !strings.Contains(resp.followUps[0].Content, "endpoint refused") {
		t.Errorf("follow-ups = %+v, want the connect error", resp.followUps)
	}
}

func TestCoach_Permissions(t *testing.T) {
	t.Parallel()

	for _, sub := range []string{"start", "stop"} {
		t.Run(sub, func(t *testing.T) {
			t.Parallel()
			ctrl := &fakeController{status: session.Status{State: session.StateConnected}}
			resp := &fakeResponder{}
			newRouter(ctrl, "operator").Handle(resp, coach(sub, []string{"listener"}))

			if len(ctrl.connected) != 0 || ctrl.disconnects != 0 {
				t.Errorf("controller was called without permission")
			}
			if got := resp.lastContent(t); !strings.Contains(got, "not allowed") {
				t.Errorf("response = %q, want a permission error", got)
			}
		})
	}
}

func TestCoach_Stop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		state           session.State
		wantDisconnects int
		wantContains    string
	}{
		{"connected", session.StateConnected, 1, "stopped"},
		{"connecting", session.StateConnecting, 1, "stopped"},
		{"idle", session.StateDisconnected, 0, "No active session"},
		{"errored", session.StateError, 0, "No active session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := &fakeController{status: session.Status{ID: "sess-1", State: tt.state}}
			resp := &fakeResponder{}
			newRouter(ctrl, "").Handle(resp, coach("stop", nil))

			if ctrl.disconnects != tt.wantDisconnects {
				t.Errorf("disconnects = %d, want %d", ctrl.disconnects, tt.wantDisconnects)
			}
			if got := resp.lastContent(t); !strings.Contains(got, tt.wantContains) {
				t.Errorf("response = %q, want it to contain %q", got, tt.wantContains)
			}
		})
	}
}

func TestCoach_StopDuration(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	ctrl := &fakeController{status: session.Status{ID: "sess-1", State: session.StateConnected, StartedAt: start}}
	cc := NewCoachCommands(ctrl, discord.NewPermissionChecker(""), func() session.Config { return session.Config{} })
	cc.now = func() time.Time { return start.Add(90*time.Second + 400*time.Millisecond) }
	r := discord.NewCommandRouter()
	cc.Register(r)

	resp := &fakeResponder{}
	r.Handle(resp, coach("stop", nil))

	if got := resp.lastContent(t); !strings.Contains(got, "1m30s") {
		t.Errorf("response = %q, want the duration 1m30s", got)
	}
}

func TestCoach_StopButton(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{status: session.Status{ID: "sess-1", State: session.StateConnected}}
	resp := &fakeResponder{}
	newRouter(ctrl, "").Handle(resp, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:   discordgo.InteractionMessageComponent,
		Member: &discordgo.Member{},
		Data:   discordgo.MessageComponentInteractionData{CustomID: StopButtonID},
	}})

	if ctrl.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", ctrl.disconnects)
	}
}

func TestCoach_Status(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{status: session.Status{
		ID:           "sess-1",
		State:        session.StateConnected,
		Voice:        "Kore",
		Quality:      mastering.QualityStudio,
		StartedAt:    time.Unix(1700000000, 0),
		HasRecording: false,
	}}
	resp := &fakeResponder{}
	newRouter(ctrl, "").Handle(resp, coach("status", nil))

	embeds := resp.responses[0].Data.Embeds
	if len(embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(embeds))
	}
	fields := map[string]string{}
	for _, f := range embeds[0].Fields {
		fields[f.Name] = f.Value
	}
	want := map[string]string{
		"State":     session.StateConnected.String(),
		"Session":   "`sess-1`",
		"Voice":     "Kore",
		"Quality":   "studio",
		"Started":   "<t:1700000000:R>",
		"Recording": "none",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, fields[k], v)
		}
	}
}

func TestCoach_Tips(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		resp := &fakeResponder{}
		newRouter(&fakeController{}, "").Handle(resp, coach("tips", nil))
		if got := resp.lastContent(t); !strings.Contains(got, "No pronunciation tips") {
			t.Errorf("response = %q", got)
		}
	})

	t.Run("newest first", func(t *testing.T) {
		t.Parallel()
		ctrl := &fakeController{tips: []protocol.PronunciationTip{
			{Word: "thorough", Correction: "THUR-oh"},
			{Word: "comfortable", Correction: "KUMF-ter-bul"},
		}}
		resp := &fakeResponder{}
		newRouter(ctrl, "").Handle(resp, coach("tips", nil))

		desc := resp.responses[0].Data.Embeds[0].Description
		if strings.Index(desc, "comfortable") > strings.Index(desc, "thorough") {
			t.Errorf("description %q does not list the newest tip first", desc)
		}
	})
}

func TestCoach_Definition(t *testing.T) {
	t.Parallel()

	def := NewCoachCommands(&fakeController{}, nil, nil).Definition()
	var subs []string
	for _, o := range def.Options {
		subs = append(subs, o.Name)
	}
	if got := strings.Join(subs, ","); got != "start,stop,status,tips" {
		t.Errorf("subcommands = %s", got)
	}
}
