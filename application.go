/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

// ApplicationProtocol recognizes and re-wraps a tunnel's two legs once a
// protocol-specific signature has been seen in the first bytes off the
// client. apptls.TLS is the only implementation shipped, but the tunnel
// dispatches through this interface so additional protocols need only be
// registered, not wired into the tunnel's control flow.
type ApplicationProtocol interface {
	// Name identifies the protocol for logging and metrics.
	Name() string
	// IsProtocolPacket reports whether buf opens with this protocol's
	// signature.
	IsProtocolPacket(buf []byte) bool
	// WrapConnection re-wraps client and server around the captured first
	// packet, returning the new ByteStreams the tunnel should forward
	// through from this point on.
	WrapConnection(first []byte, client, server ByteStream) (newClient, newServer ByteStream, err error)
}
