// Package discord is the Discord control surface of coachlive. It routes
// slash command interactions to registered handlers over a gateway
// connection the caller owns, and checks operator permissions.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Bot registers slash commands on an open discordgo session and dispatches
// their interactions to a [CommandRouter]. It does not close the session.
type Bot struct {
	session *discordgo.Session
	router  *CommandRouter
	guildID string

	mu            sync.Mutex
	commands      []*discordgo.ApplicationCommand
	removeHandler func()
	closeOnce     sync.Once
}

// NewBot attaches an interaction handler to session. Commands are published
// to guildID by [Bot.Run].
func NewBot(session *discordgo.Session, guildID string) *Bot {
	b := &Bot{
		session: session,
		router:  NewCommandRouter(),
		guildID: guildID,
	}
	b.removeHandler = session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	return b
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// GuildID returns the guild commands are registered in.
func (b *Bot) GuildID() string {
	return b.guildID
}

// Run publishes the router's commands and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return nil
}

// Close unregisters the published commands and detaches the interaction
// handler. It is safe to call more than once.
func (b *Bot) Close() {
	b.closeOnce.Do(func() {
		b.removeHandler()

		b.mu.Lock()
		cmds := b.commands
		b.commands = nil
		b.mu.Unlock()
		for _, cmd := range cmds {
			if err := b.session.ApplicationCommandDelete(b.session.State.User.ID, b.guildID, cmd.ID); err != nil {
				slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
			}
		}
		slog.Info("discord commands closed")
	})
}
