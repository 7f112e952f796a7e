/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import "fmt"

// Kind classifies an Error into one of the five error kinds tmmp
// distinguishes: transport, tls, proxy-protocol, config, resolution.
type Kind int

const (
	// KindTransport is a read/write/connect failure on a ByteStream or
	// underlying socket.
	KindTransport Kind = iota
	// KindTLS is a handshake failure, alert, bad record, or unrecoverable
	// engine state.
	KindTLS
	// KindProxyProtocol is malformed SOCKS/HTTP bytes, an unsupported
	// command or address type, or a missing no-auth method.
	KindProxyProtocol
	// KindConfig is an unknown provider, a missing required value, or a
	// class-spec that could not be resolved.
	KindConfig
	// KindResolution is a DNS lookup that returned no usable address.
	KindResolution
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTLS:
		return "tls"
	case KindProxyProtocol:
		return "proxy-protocol"
	case KindConfig:
		return "config"
	case KindResolution:
		return "resolution"
	default:
		return "unknown"
	}
}

// Error is tmmp's typed error, carrying one of the five error kinds
// alongside the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a tmmp.Error of the given kind, tagged with op for
// diagnostics.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
