// Package types defines the domain model shared by the engine runtime.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ModuleID identifies a managed module (device, service or logic unit).
type ModuleID string

// Role selects which manager specialisation drives a module.
type Role string

const (
	RoleDevice  Role = "device"  // hardware reached over TCP/UDP
	RoleService Role = "service" // network service reached by URI
	RoleLogic   Role = "logic"   // no transport, pure driver logic
)

// ParseRole normalises a role string. Unknown values return an error.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleDevice, "":
		return RoleDevice, nil
	case RoleService:
		return RoleService, nil
	case RoleLogic:
		return RoleLogic, nil
	default:
		return "", fmt.Errorf("unknown module role %q", s)
	}
}

// HasTransport reports whether modules of this role own a connection.
func (r Role) HasTransport() bool {
	return r != RoleLogic
}

// Settings is the read-only snapshot of a module's configuration taken at load
// time. It is owned by the settings store; the runtime never writes it back.
type Settings struct {
	ID         ModuleID       `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Role       Role           `json:"role" yaml:"role"`
	Dependency string         `json:"dependency" yaml:"dependency"` // driver factory key
	Address    string         `json:"address,omitempty" yaml:"address,omitempty"`
	Port       int            `json:"port,omitempty" yaml:"port,omitempty"`
	URI        string         `json:"uri,omitempty" yaml:"uri,omitempty"` // service modules
	UDP        bool           `json:"udp,omitempty" yaml:"udp,omitempty"`
	MakeBreak  bool           `json:"makebreak,omitempty" yaml:"makebreak,omitempty"`
	TLS        bool           `json:"tls,omitempty" yaml:"tls,omitempty"`
	Running    bool           `json:"running" yaml:"running"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"` // processor and driver overrides
	UpdatedAt  time.Time      `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Endpoint returns the host:port pair a device connects to.
func (s Settings) Endpoint() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// Clone returns a copy whose Config map can be modified independently.
func (s Settings) Clone() Settings {
	out := s
	if s.Config != nil {
		out.Config = make(map[string]any, len(s.Config))
		for k, v := range s.Config {
			out.Config[k] = v
		}
	}
	return out
}

// Well-known status keys reported through the status side channel.
const (
	StatusConnected = "connected"
	StatusRunning   = "running"
)
