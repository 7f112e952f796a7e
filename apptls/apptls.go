/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package apptls

import (
	"io"

	"github.com/stralsundsecurity/tmmp/certmanager"

	tmmp "github.com/stralsundsecurity/tmmp"
)

// Options carries the provider-specific parameters needed to build an
// Application Protocol by name.
type Options struct {
	// CertManager mints the leaf certificates used to terminate the
	// client-facing handshake.
	CertManager certmanager.Manager
	// CipherSuites restricts the client-facing handshake; nil selects
	// Go's default ordering.
	CipherSuites []uint16
	// KeylogSink, when non-nil, receives NSS-format CLIENT_RANDOM lines
	// for both legs of every upgraded connection.
	KeylogSink io.Writer
}

// Constructor builds an ApplicationProtocol from Options. Registered under
// a short name selectable from tmmp's configured application.protocols.
type Constructor func(Options) (tmmp.ApplicationProtocol, error)

var registry = map[string]Constructor{
	"tls": func(opts Options) (tmmp.ApplicationProtocol, error) {
		return NewTLS(opts.CertManager, opts.CipherSuites, opts.KeylogSink), nil
	},
}

// Register adds or replaces the constructor for name, letting callers (or
// tests) extend the set of application protocols tmmp can select by name.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New looks up name in the registry and builds an ApplicationProtocol from
// opts. name is one of tmmp's configured application.protocols, e.g. "tls".
func New(name string, opts Options) (tmmp.ApplicationProtocol, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errUnknownProtocol(name)
	}
	return ctor(opts)
}

type errUnknownProtocol string

func (e errUnknownProtocol) Error() string {
	return "apptls: unknown application protocol " + string(e)
}
