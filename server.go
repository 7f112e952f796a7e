/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stralsundsecurity/tmmp/haproxy"
)

// loggerProvider provides the logging implementation a Server writes
// through; cmds/tmmp/log.Logger satisfies it.
type loggerProvider interface {
	Infof(ctx context.Context, format string, args ...interface{})
	Errorf(ctx context.Context, format string, args ...interface{})
	Debugf(ctx context.Context, format string, args ...interface{})
}

// ProxyHandshake runs a proxy-protocol handshake (SOCKS, HTTP CONNECT, or
// the fixed-remote "simple" variant) on an accepted connection and returns
// the resolved target together with an already-dialed upstream connection.
// proxyproto.Protocol satisfies this through a small adapter in cmds/tmmp,
// keeping this package free of a dependency on proxyproto (which imports
// this package for its error and metrics helpers).
type ProxyHandshake interface {
	Handshake(conn net.Conn) (targetHost string, targetPort int, upstream net.Conn, err error)
}

// Option sets optional behavior on a Server. Omitting an option leaves the
// corresponding feature disabled, except the protocol depth, which defaults
// to 2.
type Option func(s *Server)

// SetProxyProtocolEnabled strips a leading HAProxy ASCII PROXY header (if
// present) from each accepted connection before running the configured
// proxy handshake, so tmmp can sit behind a load balancer that speaks it.
func SetProxyProtocolEnabled(v bool) Option {
	return func(s *Server) { s.proxyProtocolEnabled = v }
}

// SetApplicationProtocols registers the application-protocol detectors
// (e.g. apptls.TLS) each tunnel checks incoming data against.
func SetApplicationProtocols(protocols ...ApplicationProtocol) Option {
	return func(s *Server) { s.protocols = protocols }
}

// SetMaxProtocolDepth bounds how many application-protocol upgrades a
// single tunnel will apply.
func SetMaxProtocolDepth(depth int) Option {
	return func(s *Server) { s.maxProtocolDepth = depth }
}

// SetPcapSink attaches a process-wide PacketWriter sink; every tunnel gets
// its own PcapStream recording into it. A nil sink (the default) disables
// PCAP recording entirely.
func SetPcapSink(sink *PcapSink) Option {
	return func(s *Server) { s.pcapSink = sink }
}

// NewServer returns a Server that accepts connections, runs proxy through
// its ProxyHandshake, and tunnels the result.
func NewServer(l loggerProvider, proxy ProxyHandshake, opts ...Option) *Server {
	s := &Server{loggerProvider: l, proxy: proxy, maxProtocolDepth: 2}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Server accepts client connections, performs a proxy handshake against
// each, and hands the resulting pair of streams off to a Tunnel.
type Server struct {
	loggerProvider
	waitGroup

	proxy ProxyHandshake

	proxyProtocolEnabled bool
	protocols            []ApplicationProtocol
	maxProtocolDepth     int
	pcapSink             *PcapSink
}

// DeadlineListener is a net.Listener that supports deadlines, letting Serve
// periodically check ctx without blocking in Accept forever.
type DeadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Serve blocks, accepting and tunneling connections, until ctx is canceled
// or the listener returns a permanent error.
func (s *Server) Serve(ctx context.Context, listener DeadlineListener) error {
	defer func() {
		s.Infof(ctx, "stopping listener for %v...", listener.Addr().String())
		if err := listener.Close(); err != nil {
			s.Errorf(ctx, "%s", err)
		}
		s.Infof(ctx, "waiting for [%v] tunnels to close prior to shutdown", s.Active())
		s.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := listener.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
				s.Errorf(ctx, "cannot set listener deadline: %s", err)
			}
			conn, err := listener.Accept()
			if err != nil {
				var opErr *net.OpError
				if errors.As(err, &opErr) {
					if !opErr.Temporary() {
						serveAcceptedError.Inc()
						return nil
					}
					// triggered by SetDeadline, loop and check ctx again
					continue
				}
				s.Errorf(ctx, "%s", err)
				serveAcceptedError.Inc()
				continue
			}
			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				connectionDuration.Observe(v * 1000)
			}))
			serveAccepted.Inc()
			s.Add(1)
			go func() {
				s.handle(ctx, conn)
				s.Done()
				serveAccepted.Dec()
				timer.ObserveDuration()
			}()
		}
	}
}

// handle runs the proxy handshake and, on success, tunnels the connection
// until either leg closes. It is meant to run in its own goroutine.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.Errorf(ctx, "recovered from panic handling %v: %v", conn.RemoteAddr(), r)
			conn.Close()
		}
	}()

	clientConn := conn
	peer := conn.RemoteAddr()
	if s.proxyProtocolEnabled {
		r := bufio.NewReader(conn)
		if original, _, err := haproxy.ReadIncoming(r); err != nil {
			s.Debugf(ctx, "no PROXY header on %v, treating as direct: %v", conn.RemoteAddr(), err)
		} else if addr, aerr := net.ResolveTCPAddr("tcp", original.String()); aerr == nil {
			peer = addr
		}
		clientConn = &bufferedConn{Conn: conn, r: r}
	}

	host, port, upstream, err := s.proxy.Handshake(clientConn)
	if err != nil {
		s.Errorf(ctx, "proxy handshake failed for %v: %v", peer, err)
		conn.Close()
		return
	}
	s.Debugf(ctx, "tunneling %v -> %v:%d", peer, host, port)

	client := NewTCPByteStream(clientConn)
	server := NewTCPByteStream(upstream)

	var writer PacketWriter
	if s.pcapSink != nil {
		stream, perr := NewPcapStream(s.pcapSink, peer, upstream.RemoteAddr())
		if perr != nil {
			s.Errorf(ctx, "pcap stream setup failed for %v: %v", peer, perr)
		} else {
			writer = stream
		}
	}

	tunnel := NewTunnel(client, server, s.protocols, s.maxProtocolDepth, writer)
	tunnel.Run()
	s.Debugf(ctx, "tunnel closed for %v", peer)
}

// bufferedConn re-exposes a bufio.Reader already primed by a PROXY-protocol
// peek as a net.Conn, so the proxy handshake that follows sees the same
// buffered bytes rather than racing the underlying socket for them.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
