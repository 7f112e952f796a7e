/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package apptls

import (
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stralsundsecurity/tmmp/certmanager"

	tmmp "github.com/stralsundsecurity/tmmp"
)

// readTLSRecord reads exactly one TLS record (header plus its declared
// body) off conn, the way a tunnel peeks the first record of a connection
// before deciding which ApplicationProtocol claims it.
func readTLSRecord(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	header := make([]byte, 5)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	length := int(header[3])<<8 | int(header[4])
	body := make([]byte, length)
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	return append(header, body...)
}

// TestWrapConnectionCompletesRealHandshakeOnBothLegs drives the literal
// end-to-end scenario an upgraded connection goes through: a SOCKS/CONNECT
// client starts a TLS handshake, the ApplicationProtocol parses the SNI
// from the first record, dials a real TLS upstream under that name, mints
// a leaf certificate for it, and replays the captured first record into a
// new inbound TLS server so the client's handshake completes transparently.
func TestWrapConnectionCompletesRealHandshakeOnBothLegs(t *testing.T) {
	const hostname = "upstream.example"

	upstreamCerts, err := certmanager.NewSelfSigned("Upstream Test CA")
	require.NoError(t, err)
	upstreamCert, err := upstreamCerts.GetCertificate(hostname)
	require.NoError(t, err)

	termCerts, err := certmanager.NewSelfSigned("TLS Breaker Proxy")
	require.NoError(t, err)

	// Upstream leg: a real TLS server standing in for the real site tmmp
	// reconnects to, reachable only over the "server" ByteStream.
	upstreamOuter, upstreamInner := net.Pipe()
	upstreamDone := make(chan error, 1)
	go func() {
		srv := tls.Server(upstreamOuter, &tls.Config{Certificates: []tls.Certificate{upstreamCert}})
		if err := srv.Handshake(); err != nil {
			upstreamDone <- err
			return
		}
		buf := make([]byte, 32)
		n, err := srv.Read(buf)
		if err != nil {
			upstreamDone <- err
			return
		}
		if _, err := srv.Write(buf[:n]); err != nil {
			upstreamDone <- err
			return
		}
		upstreamDone <- nil
	}()

	// Client leg: a real TLS client, standing in for the intercepted
	// browser, sends its ClientHello with the SNI tmmp must observe.
	clientOuter, clientInner := net.Pipe()
	clientDone := make(chan error, 1)
	go func() {
		cli := tls.Client(clientOuter, &tls.Config{ServerName: hostname, InsecureSkipVerify: true})
		if err := cli.Handshake(); err != nil {
			clientDone <- err
			return
		}
		if _, err := cli.Write([]byte("ping upstream")); err != nil {
			clientDone <- err
			return
		}
		buf := make([]byte, 32)
		n, err := cli.Read(buf)
		if err != nil {
			clientDone <- err
			return
		}
		if string(buf[:n]) != "ping upstream" {
			clientDone <- assert.AnError
			return
		}
		clientDone <- nil
	}()

	first := readTLSRecord(t, clientInner)
	require.True(t, tmmp.IsTLSClientHello(first))

	proto, err := New("tls", Options{CertManager: termCerts})
	require.NoError(t, err)

	newClient, newServer, err := proto.WrapConnection(first, tmmp.NewTCPByteStream(clientInner), tmmp.NewTCPByteStream(upstreamInner))
	require.NoError(t, err)
	defer newClient.Close()
	defer newServer.Close()

	// A real tunnel would relay both directions continuously; this test
	// only needs to forward the single ping-pong exchange each leg sends.
	go func() {
		buf, err := newClient.Recv(4096)
		if err == nil && len(buf) > 0 {
			newServer.SendAll(buf)
		}
	}()
	go func() {
		buf, err := newServer.Recv(4096)
		if err == nil && len(buf) > 0 {
			newClient.SendAll(buf)
		}
	}()

	select {
	case err := <-clientDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client leg never completed")
	}
	select {
	case err := <-upstreamDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream leg never completed")
	}
}
