/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

// ContextKey is used in tunnel contexts.
type ContextKey string

// ContextTunnelID is the context key for an identifier of a single accepted
// connection end to end.
const ContextTunnelID ContextKey = "tunnel-id"

// ContextClientAddr carries the real client address for a connection, which
// may differ from net.Conn.RemoteAddr when a PROXY protocol header was
// consumed at accept time.
const ContextClientAddr ContextKey = "client-addr"
