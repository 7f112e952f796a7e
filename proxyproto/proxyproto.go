/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

// Package proxyproto implements the proxy-handshake stage: SOCKS4/4a,
// SOCKS5, HTTP CONNECT, and a static "simple" passthrough, each parsing the
// client's first bytes to learn an upstream target and open a connection to
// it before a Tunnel ever starts relaying.
package proxyproto

import (
	"errors"
	"net"
)

// Target is the resolved upstream a Protocol handshake produced.
type Target struct {
	Host string
	Port int
}

// ErrRejected is the sentinel "rejected" result: the protocol-appropriate
// rejection reply has already been written to the client, and the caller
// must close the connection without starting a tunnel. It is never wrapped
// in a tmmp.Error since it is not itself a failure.
var ErrRejected = errors.New("proxy handshake rejected")

// Protocol is the polymorphic proxy-handshake operation: parse target,
// open upstream, reply protocol-appropriately.
type Protocol interface {
	Handshake(conn net.Conn) (Target, net.Conn, error)
}

// Options configures the protocols that need more than their name (today,
// only "simple" does).
type Options struct {
	RemoteHost string
	RemotePort int
}

// Constructor builds a Protocol from Options. Registered under a stable
// short name so configuration can select a protocol by string instead of
// tmmp importing every implementation directly.
type Constructor func(Options) (Protocol, error)

var registry = map[string]Constructor{
	"socks":  func(Options) (Protocol, error) { return NewSocks(), nil },
	"http":   func(Options) (Protocol, error) { return NewHTTPConnect(), nil },
	"simple": func(opts Options) (Protocol, error) { return NewSimple(opts.RemoteHost, opts.RemotePort) },
}

// Register adds or replaces the constructor for name, so an embedder can
// supply additional proxy protocols beyond the four tmmp ships with.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New builds the Protocol registered under name.
func New(name string, opts Options) (Protocol, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errUnknownProtocol(name)
	}
	return ctor(opts)
}

type errUnknownProtocol string

func (e errUnknownProtocol) Error() string { return "proxyproto: unknown protocol " + string(e) }
