package relaynet

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PortNumber is a TCP port number in the range 0-65535. 0 is defined as
// UnknownPortNumber and 65535 is defined as InvalidPortNumber.
type PortNumber uint16

// UnknownPortNumber is an unknown TCP port number. The zero value for
// PortNumber. When used as a listening port it requests an ephemeral port.
const UnknownPortNumber PortNumber = 0

// InvalidPortNumber is an invalid TCP port number. Equal to uint16(65535)
const InvalidPortNumber PortNumber = 65535

// ParsePortNumber converts a string to a PortNumber. An error will be
// returned if the string is not a valid integer in the range 1-65534. If the
// string is 0, UnknownPortNumber will be returned as the value. All other
// error conditions will return InvalidPortNumber as the value.
func ParsePortNumber(s string) (PortNumber, error) {
	p64, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return InvalidPortNumber, fmt.Errorf("Invalid port number %s: %s", s, err)
	}
	p := PortNumber(uint16(p64))
	if p == InvalidPortNumber {
		err = fmt.Errorf("65535 is a reserved invalid port number")
	} else if p == UnknownPortNumber {
		err = fmt.Errorf("0 is a reserved unknown port number")
	}
	return p, err
}

func (x PortNumber) String() string {
	var result string
	if x == InvalidPortNumber {
		result = "<invalid>"
	} else if x == UnknownPortNumber {
		result = "<unknown>"
	} else {
		result = strconv.FormatUint(uint64(x), 10)
	}
	return result
}

// IsPortNumberString returns true if the string can be parsed into a valid
// TCP PortNumber
func IsPortNumberString(s string) bool {
	_, err := ParsePortNumber(s)
	return err == nil
}

// ParseHostPort breaks a <hostname>:<port>, <hostname>, or <port> string into
// a tuple. IPV6 literals may be enclosed in square brackets, as in
// "[2001:db8::1]:80". defaultHost and defaultPort are substituted for missing
// components.
func ParseHostPort(path string, defaultHost string, defaultPort PortNumber) (string, PortNumber, error) {
	host := defaultHost
	port := defaultPort

	if path != "" {
		h, p, err := net.SplitHostPort(path)
		if err != nil {
			// No port component; the whole string is either a bare port
			// number or a bare host.
			if IsPortNumberString(path) {
				port, _ = ParsePortNumber(path)
			} else {
				host = strings.Trim(path, "[]")
			}
		} else {
			if h != "" {
				host = h
			}
			if p != "" {
				port, err = ParsePortNumber(p)
				if err != nil && p != "0" {
					return "", InvalidPortNumber, fmt.Errorf("Invalid port in host/port string '%s': %s", path, err)
				}
			}
		}
	}

	return host, port, nil
}

// Endpoint is a concrete, family-tagged network endpoint usable for listening
// or dialing: either a TCPEndpoint (stream-socket family) or a UnixEndpoint
// (local/domain-socket family).
type Endpoint interface {
	// Network returns the network name to use with net.Listen and net.Dial;
	// "tcp" or "unix".
	Network() string

	// String returns the address argument to use with net.Listen and
	// net.Dial for this endpoint's network.
	String() string

	// NetAddr returns the generic (net.Addr) form of the endpoint.
	NetAddr() net.Addr

	// Unresolved returns the protocol-agnostic {address-or-path, port} form
	// of the endpoint, suitable for display and config round-tripping.
	Unresolved() *UnresolvedEndpoint
}

// TCPEndpoint is a stream-socket (TCP) endpoint: a host and a port. Host may
// be an IP literal or a resolvable name; an empty Host means all local
// addresses when listening.
type TCPEndpoint struct {
	Host string
	Port PortNumber
}

// Network returns "tcp". Part of the Endpoint interface.
func (ep *TCPEndpoint) Network() string {
	return "tcp"
}

func (ep *TCPEndpoint) String() string {
	port := "0"
	if ep.Port != UnknownPortNumber && ep.Port != InvalidPortNumber {
		port = strconv.FormatUint(uint64(ep.Port), 10)
	}
	return net.JoinHostPort(ep.Host, port)
}

// NetAddr returns the generic form of the endpoint. The host must be an IP
// literal; a hostname yields an address with a nil IP (resolve names before
// converting). Part of the Endpoint interface.
func (ep *TCPEndpoint) NetAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ep.Host), Port: int(ep.Port)}
}

// Unresolved returns the protocol-agnostic form of the endpoint. Part of the
// Endpoint interface.
func (ep *TCPEndpoint) Unresolved() *UnresolvedEndpoint {
	return &UnresolvedEndpoint{Address: ep.Host, Port: ep.Port}
}

// UnixEndpoint is a local (Unix domain socket) endpoint, identified by a
// filesystem pathname.
type UnixEndpoint struct {
	Path string
}

// Network returns "unix". Part of the Endpoint interface.
func (ep *UnixEndpoint) Network() string {
	return "unix"
}

func (ep *UnixEndpoint) String() string {
	return ep.Path
}

// NetAddr returns the generic form of the endpoint. Part of the Endpoint
// interface.
func (ep *UnixEndpoint) NetAddr() net.Addr {
	return &net.UnixAddr{Name: ep.Path, Net: "unix"}
}

// Unresolved returns the protocol-agnostic form of the endpoint; Port is
// UnknownPortNumber since ports do not apply to the local family. Part of the
// Endpoint interface.
func (ep *UnixEndpoint) Unresolved() *UnresolvedEndpoint {
	return &UnresolvedEndpoint{Address: ep.Path, Port: UnknownPortNumber}
}

// IsStreamFamily returns true if the generic address belongs to the
// stream-socket (TCP) family.
func IsStreamFamily(a net.Addr) bool {
	if _, ok := a.(*net.TCPAddr); ok {
		return true
	}
	return a != nil && strings.HasPrefix(a.Network(), "tcp")
}

// IsLocalFamily returns true if the generic address belongs to the
// local (Unix domain socket) family.
func IsLocalFamily(a net.Addr) bool {
	if _, ok := a.(*net.UnixAddr); ok {
		return true
	}
	return a != nil && strings.HasPrefix(a.Network(), "unix")
}

// ToTCPEndpoint downcasts a generic address to a stream-socket endpoint. It
// fails with an ErrEndpointFamilyMismatch-wrapped error if the address
// family is not the stream family.
func ToTCPEndpoint(a net.Addr) (*TCPEndpoint, error) {
	ta, ok := a.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("%w: cannot convert %T to TCP endpoint", ErrEndpointFamilyMismatch, a)
	}
	host := ""
	if ta.IP != nil {
		host = ta.IP.String()
	}
	return &TCPEndpoint{Host: host, Port: PortNumber(ta.Port)}, nil
}

// ToUnixEndpoint downcasts a generic address to a local-socket endpoint. It
// fails with an ErrEndpointFamilyMismatch-wrapped error if the address
// family is not the local family.
func ToUnixEndpoint(a net.Addr) (*UnixEndpoint, error) {
	ua, ok := a.(*net.UnixAddr)
	if !ok {
		return nil, fmt.Errorf("%w: cannot convert %T to Unix endpoint", ErrEndpointFamilyMismatch, a)
	}
	return &UnixEndpoint{Path: ua.Name}, nil
}

// ToEndpoint downcasts a generic address to its concrete endpoint flavor,
// dispatching on address family. It fails if the family is neither stream
// nor local.
func ToEndpoint(a net.Addr) (Endpoint, error) {
	switch a.(type) {
	case *net.TCPAddr:
		return ToTCPEndpoint(a)
	case *net.UnixAddr:
		return ToUnixEndpoint(a)
	}
	return nil, fmt.Errorf("%w: %T is neither a stream nor a local address", ErrEndpointFamilyMismatch, a)
}

// ToUnresolved produces the protocol-agnostic {address-or-path, port}
// representation of a generic address, dispatching on family. It fails if
// the family is neither stream nor local.
func ToUnresolved(a net.Addr) (*UnresolvedEndpoint, error) {
	ep, err := ToEndpoint(a)
	if err != nil {
		return nil, err
	}
	return ep.Unresolved(), nil
}

// UnresolvedEndpoint is a protocol-agnostic endpoint used for configuration
// and diagnostics: a textual address (hostname, IP literal, or filesystem
// path) plus a port, with Port==UnknownPortNumber when a port does not apply.
type UnresolvedEndpoint struct {
	Address string
	Port    PortNumber
}

// IsPath returns true if the address text names a filesystem path (a local
// family endpoint) rather than a host.
func (u *UnresolvedEndpoint) IsPath() bool {
	return strings.HasPrefix(u.Address, "/") || strings.HasPrefix(u.Address, ".")
}

// TCP converts the unresolved endpoint to the stream-socket flavor. It fails
// if the address names a filesystem path.
func (u *UnresolvedEndpoint) TCP() (*TCPEndpoint, error) {
	if u.IsPath() {
		return nil, fmt.Errorf("%w: '%s' is a filesystem path, not a host", ErrEndpointFamilyMismatch, u.Address)
	}
	return &TCPEndpoint{Host: u.Address, Port: u.Port}, nil
}

// Unix converts the unresolved endpoint to the local-socket flavor. It fails
// if the address does not name a filesystem path, or if a port is present.
func (u *UnresolvedEndpoint) Unix() (*UnixEndpoint, error) {
	if !u.IsPath() {
		return nil, fmt.Errorf("%w: '%s' is not a filesystem path", ErrEndpointFamilyMismatch, u.Address)
	}
	if u.Port != UnknownPortNumber {
		return nil, fmt.Errorf("%w: local endpoint '%s' cannot carry port %s", ErrEndpointFamilyMismatch, u.Address, u.Port)
	}
	return &UnixEndpoint{Path: u.Address}, nil
}

// Endpoint converts the unresolved endpoint to its concrete flavor, choosing
// the local family for filesystem paths and the stream family otherwise.
func (u *UnresolvedEndpoint) Endpoint() (Endpoint, error) {
	if u.IsPath() {
		return u.Unix()
	}
	return u.TCP()
}

func (u *UnresolvedEndpoint) String() string {
	if u.IsPath() || u.Port == UnknownPortNumber {
		return u.Address
	}
	return net.JoinHostPort(u.Address, strconv.FormatUint(uint64(u.Port), 10))
}

// ParseUnresolvedEndpoint parses a textual endpoint: a filesystem path
// (beginning with '/' or '.') for the local family, or a <host>:<port>,
// <host>, or <port> string for the stream family.
func ParseUnresolvedEndpoint(s string) (*UnresolvedEndpoint, error) {
	if s == "" {
		return nil, fmt.Errorf("Empty endpoint string not allowed")
	}
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".") {
		return &UnresolvedEndpoint{Address: s, Port: UnknownPortNumber}, nil
	}
	host, port, err := ParseHostPort(s, "", UnknownPortNumber)
	if err != nil {
		return nil, err
	}
	return &UnresolvedEndpoint{Address: host, Port: port}, nil
}
