package discord

import (
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one interaction.
type HandlerFunc func(s Responder, i *discordgo.InteractionCreate)

type commandEntry struct {
	command *discordgo.ApplicationCommand
	handler HandlerFunc
}

// CommandRouter dispatches slash commands and button presses to handlers.
type CommandRouter struct {
	mu         sync.RWMutex
	commands   map[string]commandEntry // "command" or "command/subcommand"
	components map[string]HandlerFunc  // custom_id
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		commands:   make(map[string]commandEntry),
		components: make(map[string]HandlerFunc),
	}
}

// RegisterCommand registers a top-level command definition and its handler.
func (r *CommandRouter) RegisterCommand(key string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = commandEntry{command: cmd, handler: handler}
}

// RegisterHandler registers a subcommand handler, e.g. "coach/start".
func (r *CommandRouter) RegisterHandler(key string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = commandEntry{handler: handler}
}

// RegisterComponent registers a handler for a button custom_id.
func (r *CommandRouter) RegisterComponent(customID string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[customID] = handler
}

// ApplicationCommands returns the top-level definitions to publish.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var cmds []*discordgo.ApplicationCommand
	for _, entry := range r.commands {
		if entry.command != nil && !seen[entry.command.Name] {
			seen[entry.command.Name] = true
			cmds = append(cmds, entry.command)
		}
	}
	return cmds
}

// Handle dispatches an interaction to its handler.
func (r *CommandRouter) Handle(s Responder, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		key := interactionKey(i.ApplicationCommandData())
		r.mu.RLock()
		entry, ok := r.commands[key]
		r.mu.RUnlock()
		if !ok {
			slog.Warn("discord: unknown command", "key", key)
			RespondEphemeral(s, i, "Unknown command.")
			return
		}
		entry.handler(s, i)

	case discordgo.InteractionMessageComponent:
		id := i.MessageComponentData().CustomID
		r.mu.RLock()
		handler, ok := r.components[id]
		r.mu.RUnlock()
		if !ok {
			slog.Warn("discord: unknown component", "custom_id", id)
			RespondEphemeral(s, i, "Unknown component.")
			return
		}
		handler(s, i)

	default:
		slog.Debug("discord: unhandled interaction type", "type", i.Type)
	}
}

// interactionKey builds a router key from an ApplicationCommand interaction.
func interactionKey(data discordgo.ApplicationCommandInteractionData) string {
	key := data.Name
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		key += "/" + data.Options[0].Name
	}
	return key
}
