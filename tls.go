/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"crypto/tls"
	"io"
)

// GenUpstreamTLSConfig builds the TLS client configuration used when tmmp
// reconnects to the real upstream server on behalf of the intercepted
// client. serverName drives both the outgoing ClientHello SNI extension and
// certificate verification; insecureSkipVerify disables verification
// entirely, which is useful when the upstream presents a certificate chain
// tmmp's trust store does not carry.
func GenUpstreamTLSConfig(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// GenTerminationTLSConfig builds the TLS server configuration used when tmmp
// terminates the intercepted client's handshake under a certificate minted
// on the fly by a CertificateManager. cipherSuites may be nil, in which case
// Go's default ordering applies; keylog, if non-nil, receives NSS-format
// CLIENT_RANDOM lines so that captured PCAPs can be decrypted later.
func GenTerminationTLSConfig(cert tls.Certificate, cipherSuites []uint16, keylog io.Writer) *tls.Config {
	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
	}
	if keylog != nil {
		config.KeyLogWriter = keylog
	}
	return config
}
