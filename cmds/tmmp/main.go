/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	tmmp "github.com/stralsundsecurity/tmmp"
	"github.com/stralsundsecurity/tmmp/apptls"
	"github.com/stralsundsecurity/tmmp/certmanager"
	"github.com/stralsundsecurity/tmmp/cmds/tmmp/exporter"
	"github.com/stralsundsecurity/tmmp/cmds/tmmp/log"
	"github.com/stralsundsecurity/tmmp/config"
	"github.com/stralsundsecurity/tmmp/config/watch"
	"github.com/stralsundsecurity/tmmp/proxyproto"
)

const usage = `usage: tmmp (--help | --example | config_file)`

const help = `tmmp - a terminating TLS man-in-the-middle proxy

` + usage + `

tmmp accepts client connections, learns the intended upstream via a proxy
handshake (SOCKS4/4a/5 or HTTP CONNECT), connects upstream, and transparently
terminates any TLS handshake the client starts using a freshly minted leaf
certificate, opening a second TLS session to the real upstream and relaying
cleartext between the two legs while recording it to a synthetic PCAP file.

  --help, -h     print this message and exit
  --example, -e  print an example TOML configuration and exit
  config_file    start the proxy using the given TOML configuration

See --example for the full set of configuration keys.
`

var level = flag.Int("level", 30, "log level; 10 = error, 20 = info, 30 = debug")

func main() {
	// --help and --example are matched before flag.Parse, which would
	// otherwise claim -h/--help itself and reject -e/--example as undefined.
	if len(os.Args) == 2 {
		switch strings.ToLower(os.Args[1]) {
		case "-h", "--help":
			fmt.Print(help)
			os.Exit(0)
		case "-e", "--example":
			fmt.Print(config.Example())
			os.Exit(0)
		}
	}

	flag.Parse()
	args := flag.Args()

	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	run(args[0])
}

func run(configPath string) {
	logger := log.New(*level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		if err := exporter.StartPromHTTP(); err != nil {
			logger.Errorf(ctx, "failed to start prometheus http exporter: %v", err)
		}
	}()

	loader := watch.New(ctx, config.New(), logger)
	if err := loader.Load(configPath); err != nil {
		logger.Fatalf(ctx, "error loading config %s: %v", configPath, err)
		return
	}
	cfg := <-loader.Config()

	if cfg.Proxy.ProtocolClass != "" {
		logger.Fatalf(ctx, "proxy.protocol_class is not implemented; use proxy.protocol")
		return
	}

	proxy, err := proxyproto.New(cfg.Proxy.Protocol, proxyproto.Options{
		RemoteHost: cfg.Proxy.RemoteHost,
		RemotePort: cfg.Proxy.RemotePort,
	})
	if err != nil {
		logger.Fatalf(ctx, "error building proxy protocol %q: %v", cfg.Proxy.Protocol, err)
		return
	}

	mgr, err := certmanager.New(cfg.Providers.Certificates, certmanager.Options{
		IssuerCN: cfg.Providers.SelfsignedCN,
	})
	if err != nil {
		logger.Fatalf(ctx, "error building certificate manager %q: %v", cfg.Providers.Certificates, err)
		return
	}

	if err := os.MkdirAll("pcap", 0o755); err != nil {
		logger.Fatalf(ctx, "error creating pcap directory: %v", err)
		return
	}

	var keylog *os.File
	if cfg.TLS.Keylog {
		path := filepath.Join("pcap", fmt.Sprintf("%d.keylog", time.Now().Unix()))
		keylog, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			logger.Fatalf(ctx, "error opening keylog file %s: %v", path, err)
			return
		}
		defer keylog.Close()
	}

	protocols, err := buildApplicationProtocols(cfg, mgr, keylog)
	if err != nil {
		logger.Fatalf(ctx, "error building application protocols: %v", err)
		return
	}

	sink, err := tmmp.NewPcapSink("pcap")
	if err != nil {
		logger.Fatalf(ctx, "error building pcap sink: %v", err)
		return
	}
	defer sink.Close()

	addr := net.JoinHostPort(cfg.Server.Listen, fmt.Sprintf("%d", cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatalf(ctx, "error listening on %s: %v", addr, err)
		return
	}
	tcpListener, ok := ln.(*net.TCPListener)
	if !ok {
		logger.Fatalf(ctx, "listener must be a tcp based listener")
		return
	}
	logger.Infof(ctx, "serving on %v", tcpListener.Addr())

	server := tmmp.NewServer(
		logger,
		proxyAdapter{proxy},
		tmmp.SetProxyProtocolEnabled(cfg.Server.ProxyProtocol),
		tmmp.SetApplicationProtocols(protocols...),
		tmmp.SetMaxProtocolDepth(cfg.Application.MaxDepth),
		tmmp.SetPcapSink(sink),
	)
	if err := server.Serve(ctx, tcpListener); err != nil {
		logger.Errorf(ctx, "error serving: %v", err)
	}
}

// buildApplicationProtocols resolves cfg.Application.Protocols into
// tmmp.ApplicationProtocol instances. "protocols_class" entries name a
// dynamically loaded protocol implementation in the original Python; tmmp
// has no plugin loader, so a non-empty ProtocolsClass list is rejected at
// startup instead of silently doing nothing.
func buildApplicationProtocols(cfg config.ServerConfig, mgr certmanager.Manager, keylog *os.File) ([]tmmp.ApplicationProtocol, error) {
	if len(cfg.Application.ProtocolsClass) > 0 {
		return nil, fmt.Errorf("application.protocols_class is not implemented; use application.protocols")
	}

	ciphers := apptls.ParseCipherSuites(cfg.TLS.Ciphers)
	var keylogSink io.Writer
	if keylog != nil {
		keylogSink = keylog
	}

	var out []tmmp.ApplicationProtocol
	for _, name := range cfg.Application.Protocols {
		proto, err := apptls.New(strings.ToLower(name), apptls.Options{
			CertManager:  mgr,
			CipherSuites: ciphers,
			KeylogSink:   keylogSink,
		})
		if err != nil {
			return nil, fmt.Errorf("unknown application protocol %q: %w", name, err)
		}
		out = append(out, proto)
	}
	return out, nil
}

// proxyAdapter satisfies tmmp.ProxyHandshake by delegating to a
// proxyproto.Protocol, unpacking its Target into the plain host/port pair
// the root package expects. The root package cannot import proxyproto
// directly (proxyproto imports tmmp), so this adapter lives in the
// composition root instead.
type proxyAdapter struct {
	proto proxyproto.Protocol
}

func (p proxyAdapter) Handshake(conn net.Conn) (string, int, net.Conn, error) {
	target, upstream, err := p.proto.Handshake(conn)
	if err != nil {
		return "", 0, nil, err
	}
	return target.Host, target.Port, upstream, nil
}
