package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may control the coaching session.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker returns a checker requiring roleID. An empty roleID
// allows every guild member.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// Allowed reports whether the interaction author may run session commands.
// Interactions outside a guild (no Member) are never allowed.
func (p *PermissionChecker) Allowed(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return p.roleID == "" || slices.Contains(i.Member.Roles, p.roleID)
}
