// Package domain defines the shared entities, states, and errors of the
// wagering bot.
package domain

const (
	// RoleOwner represents the bot owner with the highest privileges.
	RoleOwner = "owner"
	// RoleAdmin represents elevated administrators below the owner.
	RoleAdmin = "admin"
	// RoleUser represents a standard user with no elevated privileges.
	RoleUser = "user"
)

// Priorities used to compare roles; unknown roles rank 0.
const (
	RolePriorityUser  = 1
	RolePriorityAdmin = 2
	RolePriorityOwner = 3
)

// RolePriority returns the ordering weight of a role.
func RolePriority(role string) int {
	switch role {
	case RoleOwner:
		return RolePriorityOwner
	case RoleAdmin:
		return RolePriorityAdmin
	case RoleUser:
		return RolePriorityUser
	default:
		return 0
	}
}

// IsBotAdmin reports whether the role may moderate any group the bot is in.
func IsBotAdmin(role string) bool {
	return RolePriority(role) >= RolePriorityAdmin
}
