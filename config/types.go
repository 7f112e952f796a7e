/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

// Package config defines tmmp's on-disk configuration shape: the TOML
// layout, defaulting, and validation for the provider names a config file
// selects. Each provider family owns its own constructor registry —
// proxyproto.Register/New, apptls.Register/New, certmanager.Register/New —
// and resolves the short name a ServerConfig field carries (proxy.protocol,
// application.protocols, providers.certificates) into a concrete runtime
// value; config itself holds no registry.
package config

import "fmt"

// ServerConfig is the fully parsed contents of a tmmp TOML configuration
// file, after defaulting.
type ServerConfig struct {
	Server      Server      `toml:"server"`
	Proxy       Proxy       `toml:"proxy"`
	Application Application `toml:"application"`
	TLS         TLS         `toml:"tls"`
	Providers   Providers   `toml:"providers"`
}

// Server controls the listening socket.
type Server struct {
	Listen string `toml:"listen"`
	Port   int    `toml:"port"`
	// ProxyProtocol, when true, makes tmmp expect an ASCII PROXY protocol
	// header at the start of every accepted connection, as emitted by a
	// load balancer sitting in front of tmmp.
	ProxyProtocol bool `toml:"proxy_protocol"`
}

// Proxy controls the proxy-handshake stage (component D).
type Proxy struct {
	Protocol      string `toml:"protocol"`
	ProtocolClass string `toml:"protocol_class"`
	// RemoteHost/RemotePort configure the "simple" protocol: every
	// accepted connection is tunneled to this fixed address without a
	// handshake.
	RemoteHost string `toml:"remote_host"`
	RemotePort int    `toml:"remote_port"`
}

// Application controls in-band protocol upgrades (component F, G).
type Application struct {
	MaxDepth        int      `toml:"max_depth"`
	Protocols       []string `toml:"protocols"`
	ProtocolsClass  []string `toml:"protocols_class"`
}

// TLS controls the client-facing termination side of the TLS Application
// Protocol.
type TLS struct {
	Ciphers string `toml:"ciphers"`
	// Keylog, when true, appends NSS-format CLIENT_RANDOM lines to
	// pcap/<unix_time>.keylog so captured traffic can be decrypted later.
	Keylog bool `toml:"keylog"`
}

// Providers controls component C, the certificate manager.
type Providers struct {
	Certificates string `toml:"certificates"`
	SelfsignedCN string `toml:"selfsigned_cn"`
}

// Default returns a ServerConfig populated with every default named in the
// configuration table; Load starts from this and overlays whatever the TOML
// file supplies.
func Default() ServerConfig {
	return ServerConfig{
		Server: Server{
			Listen: "::",
			Port:   1234,
		},
		Proxy: Proxy{
			Protocol: "socks",
		},
		Application: Application{
			MaxDepth:  2,
			Protocols: []string{"tls"},
		},
		TLS: TLS{
			Ciphers: "ALL",
		},
		Providers: Providers{
			Certificates: "selfsigned",
			SelfsignedCN: "TLS Breaker Proxy",
		},
	}
}

// Validate checks a fully defaulted ServerConfig for internal consistency.
func (c ServerConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	switch c.Proxy.Protocol {
	case "socks", "http", "simple":
	default:
		if c.Proxy.ProtocolClass == "" {
			return fmt.Errorf("config: unknown proxy.protocol %q", c.Proxy.Protocol)
		}
	}
	if c.Proxy.Protocol == "simple" && (c.Proxy.RemoteHost == "" || c.Proxy.RemotePort == 0) {
		return fmt.Errorf("config: proxy.protocol simple requires remote_host and remote_port")
	}
	if c.Application.MaxDepth < 1 {
		return fmt.Errorf("config: application.max_depth must be >= 1")
	}
	if c.Providers.Certificates != "selfsigned" {
		return fmt.Errorf("config: unsupported providers.certificates %q (ca is reserved, not yet implemented)", c.Providers.Certificates)
	}
	return nil
}

// Example renders the TOML configuration printed by `tmmp --example`.
func Example() string {
	return `# tmmp example configuration

[server]
listen = "::"
port = 1234
proxy_protocol = false

[proxy]
protocol = "socks"
# protocol_class = "mypkg.sub:CustomProtocol"
# remote_host = "internal.example.com"
# remote_port = 443

[application]
max_depth = 2
protocols = ["tls"]

[tls]
ciphers = "ALL"
keylog = false

[providers]
certificates = "selfsigned"
selfsigned_cn = "TLS Breaker Proxy"
`
}
