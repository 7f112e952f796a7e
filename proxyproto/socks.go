/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package proxyproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	tmmp "github.com/stralsundsecurity/tmmp"
)

const (
	socks4Success = 0x5a
	socks4Reject  = 0x5b

	socks5Success  = 0x00
	socks5EReject  = 0x01
	socks5ERules   = 0x02
	socks5EProtocl = 0x07
)

// socks4Padding is the "2 + 4 arbitrary bytes" trailer the original
// implementation sends after a SOCKS4 rejection reply; any six bytes are
// legal per the protocol, but matching them keeps captures looking the same
// across implementations.
var socks4Padding = []byte{0x00, 0x00, 0xff, 0xff, 0xff, 0xff}

// Socks implements SOCKS4, SOCKS4a, and SOCKS5 (no-auth only), dispatching
// on the first byte of the client's handshake.
type Socks struct{}

// NewSocks returns a Protocol handling SOCKS4/4a/5.
func NewSocks() *Socks {
	return &Socks{}
}

// Handshake implements Protocol.
func (s *Socks) Handshake(conn net.Conn) (Target, net.Conn, error) {
	r := bufio.NewReaderSize(conn, 1024)
	first, err := r.Peek(1)
	if err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks: read version", err)
	}
	switch first[0] {
	case 0x04:
		return s.handshake4(conn, r)
	case 0x05:
		return s.handshake5(conn, r)
	default:
		conn.Write(append([]byte{0x00, socks4Reject}, socks4Padding...))
		return Target{}, nil, ErrRejected
	}
}

func (s *Socks) handshake4(conn net.Conn, r *bufio.Reader) (Target, net.Conn, error) {
	header := make([]byte, 8)
	if _, err := readFull(r, header); err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks4: read header", err)
	}
	command := header[1]
	if command != 0x01 {
		conn.Write(append([]byte{0x00, socks4Reject}, socks4Padding...))
		return Target{}, nil, ErrRejected
	}
	port := int(binary.BigEndian.Uint16(header[2:4]))
	ip := net.IP(header[4:8])
	host := ip.String()

	if _, err := readUntilNUL(r); err != nil { // user-id
		return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks4: read user id", err)
	}

	if bytes.HasPrefix(header[4:7], []byte{0, 0, 0}) {
		// SOCKS4a: the IPv4 literal starts with 0.0.0, so a NUL-terminated
		// domain name follows the user id instead.
		domain, err := readUntilNUL(r)
		if err != nil {
			return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks4a: read domain", err)
		}
		host = string(bytes.TrimSuffix(domain, []byte{0x00}))
	}

	var dialAddr *net.TCPAddr
	if host == ip.String() {
		dialAddr = &net.TCPAddr{IP: ip, Port: port}
	} else {
		resolved, rerr := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", host, port))
		if rerr != nil {
			return Target{}, nil, tmmp.NewError(tmmp.KindResolution, "socks4a: resolve", rerr)
		}
		dialAddr = resolved
	}
	upstream, err := net.DialTCP("tcp", nil, dialAddr)
	if err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindTransport, "socks4: connect upstream", err)
	}

	local := upstream.LocalAddr().(*net.TCPAddr)
	reply := make([]byte, 0, 8)
	reply = append(reply, 0x00, socks4Success)
	reply = binary.BigEndian.AppendUint16(reply, uint16(local.Port))
	reply = append(reply, local.IP.To4()...)
	if _, err := conn.Write(reply); err != nil {
		upstream.Close()
		return Target{}, nil, tmmp.NewError(tmmp.KindTransport, "socks4: reply", err)
	}
	tmmp.RecordProxyHandshakeAccepted("socks4")
	return Target{Host: host, Port: port}, upstream, nil
}

func (s *Socks) handshake5(conn net.Conn, r *bufio.Reader) (Target, net.Conn, error) {
	methodSelect := make([]byte, 2)
	if _, err := readFull(r, methodSelect[:2]); err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks5: read method select", err)
	}
	n := int(methodSelect[1])
	methods := make([]byte, n)
	if _, err := readFull(r, methods); err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks5: read methods", err)
	}
	if !bytes.Contains(methods, []byte{0x00}) {
		conn.Write([]byte{0x05, 0xff})
		return Target{}, nil, ErrRejected
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindTransport, "socks5: reply method", err)
	}

	head := make([]byte, 4)
	if _, err := readFull(r, head); err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks5: read request", err)
	}
	if head[0] != 0x05 {
		conn.Write([]byte{0x05, socks5EProtocl})
		return Target{}, nil, ErrRejected
	}
	command := head[1]
	if command == 0x03 || command == 0x04 {
		conn.Write([]byte{0x05, socks5ERules})
		return Target{}, nil, ErrRejected
	}

	var host string
	var family byte
	switch head[3] {
	case 0x01:
		addr := make([]byte, 4)
		if _, err := readFull(r, addr); err != nil {
			return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks5: read ipv4", err)
		}
		host = net.IP(addr).String()
		family = 0x01
	case 0x03:
		lenByte := make([]byte, 1)
		if _, err := readFull(r, lenByte); err != nil {
			return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks5: read domain length", err)
		}
		domain := make([]byte, lenByte[0])
		if _, err := readFull(r, domain); err != nil {
			return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks5: read domain", err)
		}
		host = string(domain)
		family = 0x00 // resolved below
	case 0x04:
		addr := make([]byte, 16)
		if _, err := readFull(r, addr); err != nil {
			return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks5: read ipv6", err)
		}
		host = net.IP(addr).String()
		family = 0x04
	default:
		conn.Write([]byte{0x05, socks5ERules})
		return Target{}, nil, ErrRejected
	}

	portBytes := make([]byte, 2)
	if _, err := readFull(r, portBytes); err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindProxyProtocol, "socks5: read port", err)
	}
	port := int(binary.BigEndian.Uint16(portBytes))

	resolved, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindResolution, "socks5: resolve", err)
	}
	if family == 0x00 {
		if resolved.IP.To4() != nil {
			family = 0x01
		} else {
			family = 0x04
		}
	}

	upstream, err := net.DialTCP("tcp", nil, resolved)
	if err != nil {
		return Target{}, nil, tmmp.NewError(tmmp.KindTransport, "socks5: connect upstream", err)
	}
	local := upstream.LocalAddr().(*net.TCPAddr)

	atyp := byte(0x01)
	ip := local.IP.To4()
	if family == 0x04 || ip == nil {
		atyp = 0x04
		ip = local.IP.To16()
	}
	reply := []byte{0x05, socks5Success, 0x00, atyp}
	reply = append(reply, ip...)
	reply = binary.BigEndian.AppendUint16(reply, uint16(local.Port))
	if _, err := conn.Write(reply); err != nil {
		upstream.Close()
		return Target{}, nil, tmmp.NewError(tmmp.KindTransport, "socks5: reply", err)
	}
	tmmp.RecordProxyHandshakeAccepted("socks5")
	return Target{Host: host, Port: port}, upstream, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readUntilNUL(r *bufio.Reader) ([]byte, error) {
	return r.ReadBytes(0x00)
}
