package plugins

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle position of a registered plugin.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
	StateEnabled
	StateDisabled
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseState is the inverse of State.String.
func ParseState(v string) (State, error) {
	for s := StateUnloaded; s <= StateError; s++ {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown plugin state %q", v)
}

// Info is a snapshot of a registry entry.
type Info struct {
	Metadata
	State     State      `json:"state"`
	LoadedAt  *time.Time `json:"loaded_at,omitempty"`
	EnabledAt *time.Time `json:"enabled_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}
