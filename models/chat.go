package models

import (
	"strings"
	"time"
)

// IdentityStatus is the lifecycle status of a chat identity
type IdentityStatus string

const (
	StatusPending    IdentityStatus = "pending"
	StatusAuthorized IdentityStatus = "authorized"
	StatusRevoked    IdentityStatus = "revoked"
)

// Role is the closed set of chat roles
type Role string

const (
	RoleReader   Role = "reader"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleReader:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return r.rank() >= min.rank() && r.rank() > 0
}

// ParseRole accepts the English names and the Spanish aliases used in the bot.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin", "administrador":
		return RoleAdmin, true
	case "operator", "operador":
		return RoleOperator, true
	case "reader", "lector":
		return RoleReader, true
	}
	return "", false
}

// ChatIdentity is a Telegram user known to the bot
type ChatIdentity struct {
	ChatID       int64          `json:"chat_id"`
	Username     string         `json:"username,omitempty"`
	Status       IdentityStatus `json:"estado"`
	Role         Role           `json:"rol,omitempty"`
	Plants       []string       `json:"plantas,omitempty"`
	AuthorizedBy int64          `json:"autorizado_por,omitempty"`
	CreatedAt    time.Time      `json:"creado"`
	UpdatedAt    time.Time      `json:"actualizado"`
}

// IsAuthorized reports whether the identity currently holds a role.
func (c *ChatIdentity) IsAuthorized() bool {
	return c != nil && c.Status == StatusAuthorized
}

func (c *ChatIdentity) IsAdmin() bool {
	return c.IsAuthorized() && c.Role == RoleAdmin
}

// SubscribedTo reports whether notifications for the plant reach this identity.
// Admins receive every plant.
func (c *ChatIdentity) SubscribedTo(plantID string) bool {
	if c.IsAdmin() {
		return true
	}
	for _, p := range c.Plants {
		if p == plantID {
			return true
		}
	}
	return false
}

func (c *ChatIdentity) Clone() *ChatIdentity {
	cp := *c
	cp.Plants = append([]string(nil), c.Plants...)
	return &cp
}
