package discord

import (
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
)

// fakeResponder records interaction responses.
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

func commandInteraction(name, sub string) *discordgo.InteractionCreate {
	data := discordgo.ApplicationCommandInteractionData{Name: name}
	if sub != "" {
		data.Options = []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: sub, Type: discordgo.ApplicationCommandOptionSubCommand},
		}
	}
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionApplicationCommand,
		Data: data,
	}}
}

func TestPermissionChecker_Allowed(t *testing.T) {
	t.Parallel()

	member := func(roles ...string) *discordgo.InteractionCreate {
		return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{Roles: roles},
		}}
	}
	tests := []struct {
		name   string
		roleID string
		inter  *discordgo.InteractionCreate
		want   bool
	}{
		{"has role", "coach", member("a", "coach"), true},
		{"missing role", "coach", member("a"), false},
		{"no role configured", "", member(), true},
		{"direct message", "", &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewPermissionChecker(tt.roleID).Allowed(tt.inter); got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandRouter_Dispatch(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got []string
	def := &discordgo.ApplicationCommand{Name: "coach"}
	r.RegisterCommand("coach", def, func(Responder, *discordgo.InteractionCreate) { got = append(got, "coach") })
	r.RegisterHandler("coach/start", func(Responder, *discordgo.InteractionCreate) { got = append(got, "start") })
	r.RegisterComponent("coach_stop", func(Responder, *discordgo.InteractionCreate) { got = append(got, "button") })

	s := &fakeResponder{}
	r.Handle(s, commandInteraction("coach", ""))
	r.Handle(s, commandInteraction("coach", "start"))
	r.Handle(s, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionMessageComponent,
		Data: discordgo.MessageComponentInteractionData{CustomID: "coach_stop"},
	}})

	want := []string{"coach", "start", "button"}
	if len(got) != len(want) {
		t.Fatalf("handled = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("handled[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(s.responses) != 0 {
		t.Errorf("router responded itself: %+v", s.responses)
	}

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 || cmds[0] != def {
		t.Errorf("ApplicationCommands() = %v, want [coach]", cmds)
	}
}

func TestCommandRouter_Unknown(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	s := &fakeResponder{}
	r.Handle(s, commandInteraction("nope", ""))
	r.Handle(s, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionMessageComponent,
		Data: discordgo.MessageComponentInteractionData{CustomID: "nope"},
	}})

	if len(s.responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(s.responses))
	}
	for _, resp := range s.responses {
		if resp.Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
			t.Error("unknown interaction answer is not ephemeral")
		}
	}
}

func TestBot_Close(t *testing.T) {
	t.Parallel()

	b := NewBot(&discordgo.Session{}, "guild")
	if b.Router() == nil || b.GuildID() != "guild" {
		t.Fatal("bot not initialised")
	}
	b.Close()
	b.Close()
}
