/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

var (
	errShortRecord    = errors.New("tls record truncated before expected field")
	errNotClientHello = errors.New("tls handshake record is not a ClientHello")
)

const (
	recordTypeHandshake   = 0x16
	handshakeTypeClientHello = 0x01
	extensionServerName   = 0x0000
	serverNameTypeHostName = 0x00
)

// SNIFromClientHello extracts the server_name extension from the first TLS
// record of a connection without completing a handshake. It returns "", nil
// when the record is well-formed but carries no server_name extension.
//
// The record must be a TLS handshake record (type 0x16) with a version
// whose high byte is 3 (TLS 1.x); any other high byte, including SSL 2.0's
// 2, yields "", nil rather than an error, since a MITM that cannot read the
// SNI simply falls back to whatever routing information it already has.
func SNIFromClientHello(record []byte) (string, error) {
	s := cryptobyte.String(record)

	var recordType uint8
	var recordVersion uint16
	var body cryptobyte.String
	if !s.ReadUint8(&recordType) || !s.ReadUint16(&recordVersion) || !s.ReadUint16LengthPrefixed(&body) {
		return "", NewError(KindTLS, "sni", errShortRecord)
	}
	if recordType != recordTypeHandshake {
		return "", nil
	}
	if byte(recordVersion>>8) != 3 {
		// Covers both SSL 2.0 (high byte 2) and any future/unknown
		// version; the record is simply not a parseable TLS 1.x
		// ClientHello as far as SNI extraction is concerned.
		return "", nil
	}

	var handshakeType uint8
	var helloBody cryptobyte.String
	if !body.ReadUint8(&handshakeType) || !body.ReadUint24LengthPrefixed(&helloBody) {
		return "", NewError(KindTLS, "sni", errShortRecord)
	}
	if handshakeType != handshakeTypeClientHello {
		return "", NewError(KindTLS, "sni", errNotClientHello)
	}

	var clientVersion uint16
	var clientRandom []byte
	if !helloBody.ReadUint16(&clientVersion) || !helloBody.ReadBytes(&clientRandom, 32) {
		return "", NewError(KindTLS, "sni", errShortRecord)
	}
	if byte(clientVersion>>8) != 3 {
		return "", nil
	}

	var sessionID cryptobyte.String
	if !helloBody.ReadUint8LengthPrefixed(&sessionID) {
		return "", NewError(KindTLS, "sni", errShortRecord)
	}

	var cipherSuites cryptobyte.String
	if !helloBody.ReadUint16LengthPrefixed(&cipherSuites) {
		return "", NewError(KindTLS, "sni", errShortRecord)
	}

	var compressionMethods cryptobyte.String
	if !helloBody.ReadUint8LengthPrefixed(&compressionMethods) {
		return "", NewError(KindTLS, "sni", errShortRecord)
	}

	if helloBody.Empty() {
		// No extensions block at all: a legal, if ancient, ClientHello.
		return "", nil
	}

	var extensions cryptobyte.String
	if !helloBody.ReadUint16LengthPrefixed(&extensions) {
		return "", NewError(KindTLS, "sni", errShortRecord)
	}

	for !extensions.Empty() {
		var extType uint16
		var extBody cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extBody) {
			return "", NewError(KindTLS, "sni", errShortRecord)
		}
		if extType != extensionServerName {
			continue
		}
		var serverNameList cryptobyte.String
		if !extBody.ReadUint16LengthPrefixed(&serverNameList) {
			return "", NewError(KindTLS, "sni", errShortRecord)
		}
		for !serverNameList.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !serverNameList.ReadUint8(&nameType) || !serverNameList.ReadUint16LengthPrefixed(&name) {
				return "", NewError(KindTLS, "sni", errShortRecord)
			}
			if nameType == serverNameTypeHostName {
				return string(name), nil
			}
		}
	}
	return "", nil
}

// IsTLSClientHello reports whether buf's first bytes look like a complete
// TLS handshake record whose declared length matches the buffer: len(buf)
// >= 50, buf[0] == 0x16, buf[1] == 3, buf[2] in {0,1,2,3}, and
// len(buf)-5 == big-endian uint16(buf[3:5]).
func IsTLSClientHello(buf []byte) bool {
	if len(buf) < 50 {
		return false
	}
	if buf[0] != recordTypeHandshake || buf[1] != 3 {
		return false
	}
	if buf[2] > 3 {
		return false
	}
	declared := int(buf[3])<<8 | int(buf[4])
	return len(buf)-5 == declared
}
