package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConnectionState is the lifecycle state of the stream connection. Exactly one
// state is active at any instant.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var stateNames = [...]string{
	StateDisconnected: "DISCONNECTED",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateReconnecting: "RECONNECTING",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
	return stateNames[s]
}

// Active reports whether a connection is being established or is open.
func (s ConnectionState) Active() bool {
	return s == StateConnecting || s == StateConnected
}

// ParseConnectionState is the inverse of String.
func ParseConnectionState(name string) (ConnectionState, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return ConnectionState(i), nil
		}
	}
	return StateDisconnected, fmt.Errorf("unknown connection state %q", name)
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseConnectionState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
