package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol is the transport used to reach a syslog destination.
type Protocol string

const (
	ProtocolUDP Protocol = "UDP"
	ProtocolTCP Protocol = "TCP"
	ProtocolTLS Protocol = "TLS"
)

// ParseProtocol accepts any casing of udp, tcp or tls.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToUpper(strings.TrimSpace(s))); p {
	case ProtocolUDP, ProtocolTCP, ProtocolTLS:
		return p, nil
	default:
		return "", fmt.Errorf("invalid protocol %q: must be one of UDP, TCP, TLS", s)
	}
}

// Network returns the net package network name for dialing.
func (p Protocol) Network() string {
	if p == ProtocolUDP {
		return "udp"
	}
	return "tcp"
}

// Destination is one operator-configured syslog receiver.
type Destination struct {
	Name     string   `json:"name" yaml:"name"`
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
}

// Address returns host:port.
func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// ReachabilityStatus maps destination name to the startup probe result.
type ReachabilityStatus map[string]bool

// Reachable reports whether name was probed successfully.
// Destinations missing from the map are unreachable.
func (s ReachabilityStatus) Reachable(name string) bool {
	return s[name]
}
