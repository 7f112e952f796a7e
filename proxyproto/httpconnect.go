/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package proxyproto

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	tmmp "github.com/stralsundsecurity/tmmp"
)

// maxHTTPConnectRequest bounds the CONNECT request line read, mirroring the
// "reasonable cap" named in the HTTP CONNECT handshake.
const maxHTTPConnectRequest = 9000

const http405Body = "This proxy only allows CONNECT."

var http405Response = []byte(fmt.Sprintf(
	"HTTP/1.0 405 Invalid Request\r\n"+
		"Content-Type: text/plain; charset=us-ascii\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: Close\r\n"+
		"\r\n%s", len(http405Body), http405Body,
))

// HTTPConnect implements the HTTP CONNECT proxy handshake.
type HTTPConnect struct{}

// NewHTTPConnect returns a Protocol handling HTTP CONNECT.
func NewHTTPConnect() *HTTPConnect {
	return &HTTPConnect{}
}

// Handshake implements Protocol. Unlike a single bounded Recv, this reads
// incrementally up to maxHTTPConnectRequest bytes until the request line's
// CRLF has been seen, so a request line split across reads is never
// misparsed. Header lines after the request line that the buffered reader
// has already pulled in are discarded with it.
func (h *HTTPConnect) Handshake(conn net.Conn) (Target, net.Conn, error) {
	r := bufio.NewReaderSize(conn, maxHTTPConnectRequest)
	line, err := readRequestLine(r, maxHTTPConnectRequest)
	if err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "http-connect: read request line", err)
	}

	fields := strings.Fields(line)
	if len(fields) != 3 {
		h.reject(conn)
		return Target{}, nil, ErrRejected
	}
	verb, hostport := fields[0], fields[1]
	if !strings.EqualFold(verb, "CONNECT") {
		h.reject(conn)
		return Target{}, nil, ErrRejected
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		h.reject(conn)
		return Target{}, nil, ErrRejected
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		h.reject(conn)
		return Target{}, nil, ErrRejected
	}

	resolved, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, portStr))
	if err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindResolution, "http-connect: resolve", err)
	}
	upstream, err := net.DialTCP("tcp", nil, resolved)
	if err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindTransport, "http-connect: connect upstream", err)
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		upstream.Close()
		return Target{}, nil, tmmp.NewError(tmmp.KindTransport, "http-connect: reply", err)
	}
	tmmp.RecordProxyHandshakeAccepted("http")
	return Target{Host: host, Port: port}, upstream, nil
}

func (h *HTTPConnect) reject(conn net.Conn) {
	conn.Write(http405Response)
	tmmp.RecordProxyHandshakeRejected("http", "not-connect")
}

// readRequestLine reads bytes up to cap looking for the request line's
// terminating CRLF (a CONNECT request carries no body before tunneling
// begins, so the line's own CRLF is sufficient) and returns the line without
// it; any header lines that follow are left unread in r.
func readRequestLine(r *bufio.Reader, cap int) (string, error) {
	var buf bytes.Buffer
	for buf.Len() < cap {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), []byte("\r\n")) {
			return strings.TrimRight(buf.String(), "\r\n"), nil
		}
	}
	return "", fmt.Errorf("http-connect: request line exceeded %d bytes without CRLF", cap)
}
