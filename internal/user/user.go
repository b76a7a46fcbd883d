// Package user owns client identities for the relay: token issuance,
// authentication with IP tracking, per-family token quotas, and the optional
// redis persistence behind the gatekeeper.
//
// All User mutation happens inside the Store; everything handed out is a
// frozen value copy, mirroring how the key pool treats its keys.
package user

import (
	"time"

	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// Type partitions users by privilege.
type Type string

const (
	// TypeNormal users are subject to IP limits and token quotas.
	TypeNormal Type = "normal"

	// TypeSpecial users bypass IP limits and quota checks.
	TypeSpecial Type = "special"

	// TypeTemporary users behave like normal ones until ExpiresAt, then the
	// sweep disables them.
	TypeTemporary Type = "temporary"
)

// Disable reasons recorded on DisabledReason.
const (
	ReasonExpired = "temporary token expired"
	ReasonIPLimit = "IP address limit exceeded"
)

// User is one client identity. Time fields are zero when unset.
type User struct {
	Token string `json:"token"`
	Type  Type   `json:"type"`

	// IPs are the distinct addresses seen for this token, in first-seen order.
	IPs []string `json:"ips"`

	PromptCount int64                     `json:"prompt_count"`
	TokenCounts map[llm.ModelFamily]int64 `json:"token_counts"`
	TokenLimits map[llm.ModelFamily]int64 `json:"token_limits"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`

	DisabledAt     time.Time `json:"disabled_at"`
	DisabledReason string    `json:"disabled_reason,omitempty"`

	// ExpiresAt is set for temporary users only.
	ExpiresAt time.Time `json:"expires_at"`

	// MaxIPs overrides the store-wide IP cap for this user. 0 = store default.
	MaxIPs int `json:"max_ips,omitempty"`

	Nickname string            `json:"nickname,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Disabled reports whether the user has been taken out of service.
func (u *User) Disabled() bool { return !u.DisabledAt.IsZero() }

// expired reports whether a temporary user is past its expiry at t.
func (u *User) expired(t time.Time) bool {
	return u.Type == TypeTemporary && !u.ExpiresAt.IsZero() && t.After(u.ExpiresAt)
}

// hasIP reports whether ip was already seen for this user.
func (u *User) hasIP(ip string) bool {
	for _, seen := range u.IPs {
		if seen == ip {
			return true
		}
	}
	return false
}

// ipCap resolves the effective distinct-address cap. 0 = unlimited.
func (u *User) ipCap(storeDefault int) int {
	if u.MaxIPs > 0 {
		return u.MaxIPs
	}
	return storeDefault
}

// freeze returns a deep value copy safe to hand outside the store.
func (u *User) freeze() User {
	out := *u
	out.IPs = append([]string(nil), u.IPs...)
	out.TokenCounts = make(map[llm.ModelFamily]int64, len(u.TokenCounts))
	for f, n := range u.TokenCounts {
		out.TokenCounts[f] = n
	}
	out.TokenLimits = make(map[llm.ModelFamily]int64, len(u.TokenLimits))
	for f, n := range u.TokenLimits {
		out.TokenLimits[f] = n
	}
	if u.Meta != nil {
		out.Meta = make(map[string]string, len(u.Meta))
		for k, v := range u.Meta {
			out.Meta[k] = v
		}
	}
	return out
}
