/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package proxyproto

import (
	"fmt"
	"net"

	tmmp "github.com/stralsundsecurity/tmmp"
)

// Simple tunnels every accepted connection to one fixed, pre-configured
// upstream without running any proxy handshake at all. It is named in
// tmmp's configuration table (proxy.protocol = "simple") but is not
// otherwise described by the component design, since it has none: there is
// no protocol to parse.
type Simple struct {
	host string
	port int
}

// NewSimple returns a Protocol that always tunnels to host:port.
func NewSimple(host string, port int) (*Simple, error) {
	if host == "" || port == 0 {
		return nil, fmt.Errorf("proxyproto: simple requires a remote host and port")
	}
	return &Simple{host: host, port: port}, nil
}

// Handshake implements Protocol: it performs no handshake, just a connect.
func (s *Simple) Handshake(conn net.Conn) (Target, net.Conn, error) {
	resolved, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port)))
	if err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindResolution, "simple: resolve", err)
	}
	upstream, err := net.DialTCP("tcp", nil, resolved)
	if err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindTransport, "simple: connect upstream", err)
	}
	tmmp.RecordProxyHandshakeAccepted("simple")
	return Target{Host: s.host, Port: s.port}, upstream, nil
}
