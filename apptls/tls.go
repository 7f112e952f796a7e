/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

// Package apptls implements the TLS variant of the Application Protocol:
// detecting a TLS ClientHello by its record signature, then re-wrapping
// both legs of a tunnel — the upstream leg as an unverified TLS client
// carrying the intercepted SNI, the downstream leg as a TLS server under a
// certificate minted for that SNI — and replaying the captured ClientHello
// into the new inbound engine so no bytes are lost.
package apptls

import (
	"io"

	"github.com/stralsundsecurity/tmmp/certmanager"

	tmmp "github.com/stralsundsecurity/tmmp"
)

// TLS implements tmmp's ApplicationProtocol interface for TLS.
type TLS struct {
	certManager  certmanager.Manager
	cipherSuites []uint16
	keylogSink   io.Writer
}

// NewTLS builds the TLS application protocol against mgr, using
// cipherSuites for the client-facing side (nil selects Go's default
// ordering) and writing NSS-format CLIENT_RANDOM lines to keylogSink when
// non-nil.
func NewTLS(mgr certmanager.Manager, cipherSuites []uint16, keylogSink io.Writer) *TLS {
	return &TLS{certManager: mgr, cipherSuites: cipherSuites, keylogSink: keylogSink}
}

// Name implements tmmp.ApplicationProtocol.
func (t *TLS) Name() string { return "TLS" }

// IsProtocolPacket implements tmmp.ApplicationProtocol.
func (t *TLS) IsProtocolPacket(buf []byte) bool {
	return tmmp.IsTLSClientHello(buf)
}

// WrapConnection implements tmmp.ApplicationProtocol: it parses SNI from
// the captured first record, opens an unverified outbound TLS client to the
// real upstream with that SNI, mints (or reuses) a leaf certificate for it,
// and terminates the client's handshake on an inbound TLS server seeded
// with the captured record.
func (t *TLS) WrapConnection(first []byte, client, server tmmp.ByteStream) (newClient, newServer tmmp.ByteStream, err error) {
	sni, err := tmmp.SNIFromClientHello(first)
	if err != nil {
		return nil, nil, err
	}

	upstreamConfig := tmmp.GenUpstreamTLSConfig(sni, true)
	outbound := tmmp.NewTLSClient(server, upstreamConfig, t.keylogSink)
	if err := outbound.Handshake(); err != nil {
		return nil, nil, err
	}

	cert, err := t.certManager.GetCertificate(sni)
	if err != nil {
		return nil, nil, tmmp.NewError(tmmp.KindTLS, "apptls: mint certificate", err)
	}

	terminationConfig := tmmp.GenTerminationTLSConfig(cert, t.cipherSuites, t.keylogSink)
	inbound := tmmp.NewTLSServer(client, terminationConfig, t.keylogSink)
	inbound.PushData(first)
	if err := inbound.Handshake(); err != nil {
		return nil, nil, err
	}

	tmmp.RecordProtocolUpgrade("tls", "client")
	return inbound, outbound, nil
}
