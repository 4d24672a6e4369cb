package pool

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/gridhub/internal/capability"
)

// Address identifies a worker by host and port.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParseAddress accepts "host:port" with or without an http:// or https://
// scheme and ignores any trailing path.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "https://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	if host == "" {
		return Address{}, errors.New("parse address: empty host")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("parse address %q: invalid port", s)
	}
	return Address{Host: host, Port: port}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// URL returns the base URL requests to this worker are sent to.
func (a Address) URL() string {
	return "http://" + a.String()
}

// Node is a registered worker.
type Node struct {
	Addr         Address                 `json:"addr"`
	Capabilities []capability.Capability `json:"capabilities"`
	Available    bool                    `json:"available"`
	// Fallback marks the pseudo-worker that stands for the remote fallback
	// service. It never enters the availability list and is exempt from
	// liveness sweeps.
	Fallback bool      `json:"fallback,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
	LastUsed time.Time `json:"lastUsed"`
}

// Platform is the platform of the first advertised capability.
func (n Node) Platform() string {
	if len(n.Capabilities) == 0 {
		return ""
	}
	return n.Capabilities[0].Platform
}

func (n Node) clone() Node {
	out := n
	out.Capabilities = make([]capability.Capability, len(n.Capabilities))
	for i, c := range n.Capabilities {
		out.Capabilities[i] = c.Clone()
	}
	return out
}
