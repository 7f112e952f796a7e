/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	serveAccepted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tmmp",
		Name:      "serve_accepted",
		Help:      "number of accepted connections currently being tunneled",
	})
	serveAcceptedError = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tmmp",
		Name:      "serve_accepted_error",
		Help:      "number of errors accepting connections on the listener",
	})
	tunnelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tmmp",
		Name:      "tunnels_active",
		Help:      "number of tunnels currently being relayed",
	})
	proxyHandshakeRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tmmp",
		Name:      "proxy_handshake_rejected",
		Help:      "number of proxy protocol handshakes rejected, by protocol and reason",
	}, []string{"protocol", "reason"})
	proxyHandshakeAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tmmp",
		Name:      "proxy_handshake_accepted",
		Help:      "number of proxy protocol handshakes accepted, by protocol",
	}, []string{"protocol"})
	protocolUpgrades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tmmp",
		Name:      "protocol_upgrades",
		Help:      "number of in-band application protocol upgrades performed, by protocol and direction",
	}, []string{"protocol", "direction"})
	certificatesMinted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tmmp",
		Name:      "certificates_minted",
		Help:      "number of leaf certificates minted by the certificate manager",
	})
	bytesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tmmp",
		Name:      "bytes_forwarded",
		Help:      "bytes relayed through tunnels, by direction",
	}, []string{"direction"})
	pcapPacketsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tmmp",
		Name:      "pcap_packets_written",
		Help:      "number of synthetic packets appended to the pcap buffer",
	})
	pcapFlushError = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tmmp",
		Name:      "pcap_flush_error",
		Help:      "number of errors flushing the pcap buffer to disk",
	})
	waitgroupActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tmmp",
		Name:      "waitgroup_handle_routines_active",
		Help:      "number of active handle goroutines within the server, mirrors tunnels_active",
	})

	connectionDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Namespace:  "tmmp",
			Name:       "serve_connection_duration_milliseconds",
			Help:       "total lifetime of an accepted net.Conn, including handshake overhead, in milliseconds",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
	)
)

// RecordCertificateMinted increments the certificates-minted counter; it is
// exported for the certmanager package, which cannot reach this file's
// unexported prometheus handles directly.
func RecordCertificateMinted() {
	certificatesMinted.Inc()
}

// RecordProxyHandshakeAccepted increments the proxy-handshake-accepted
// counter for protocol.
func RecordProxyHandshakeAccepted(protocol string) {
	proxyHandshakeAccepted.WithLabelValues(protocol).Inc()
}

// RecordProxyHandshakeRejected increments the proxy-handshake-rejected
// counter for protocol/reason.
func RecordProxyHandshakeRejected(protocol, reason string) {
	proxyHandshakeRejected.WithLabelValues(protocol, reason).Inc()
}

// RecordProtocolUpgrade increments the protocol-upgrades counter for
// protocol/direction.
func RecordProtocolUpgrade(protocol, direction string) {
	protocolUpgrades.WithLabelValues(protocol, direction).Inc()
}

// RecordBytesForwarded adds n to the bytes-forwarded counter for direction.
func RecordBytesForwarded(direction string, n int) {
	bytesForwarded.WithLabelValues(direction).Add(float64(n))
}

// RecordPCAPPacketWritten increments the pcap-packets-written counter.
func RecordPCAPPacketWritten() {
	pcapPacketsWritten.Inc()
}

// RecordPCAPFlushError increments the pcap-flush-error counter.
func RecordPCAPFlushError() {
	pcapFlushError.Inc()
}

func init() {
	prometheus.MustRegister(serveAccepted)
	prometheus.MustRegister(serveAcceptedError)
	prometheus.MustRegister(tunnelsActive)
	prometheus.MustRegister(proxyHandshakeRejected)
	prometheus.MustRegister(proxyHandshakeAccepted)
	prometheus.MustRegister(protocolUpgrades)
	prometheus.MustRegister(certificatesMinted)
	prometheus.MustRegister(bytesForwarded)
	prometheus.MustRegister(pcapPacketsWritten)
	prometheus.MustRegister(pcapFlushError)
	prometheus.MustRegister(waitgroupActive)
	prometheus.MustRegister(connectionDuration)
}
