/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAllPackets(t *testing.T, path string) []gopacket.Packet {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	var packets []gopacket.Packet
	for {
		data, _, err := reader.ReadPacketData()
		if err != nil {
			break
		}
		packets = append(packets, gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default))
	}
	return packets
}

func TestPcapStreamWritesHandshakeAndData(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewPcapSink(dir)
	require.NoError(t, err)

	client := &net.TCPAddr{IP: net.ParseIP("192.168.0.5"), Port: 51234}
	server := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 443}

	stream, err := NewPcapStream(sink, client, server)
	require.NoError(t, err)

	require.NoError(t, stream.WriteUp([]byte("client hello bytes")))
	require.NoError(t, stream.WriteDown([]byte("server response bytes")))

	sink.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one pcap file should have been flushed")

	packets := readAllPackets(t, filepath.Join(dir, entries[0].Name()))
	// 3 handshake segments + (push+ack) for WriteUp + (push+ack) for WriteDown
	require.Len(t, packets, 7)

	for _, pkt := range packets {
		ipLayer := pkt.Layer(layers.LayerTypeIPv6)
		require.NotNil(t, ipLayer, "every packet must be IPv6, including the mapped IPv4 client")
	}

	push := packets[3]
	tcpLayer := push.Layer(layers.LayerTypeTCP)
	require.NotNil(t, tcpLayer)
	tcp := tcpLayer.(*layers.TCP)
	assert.True(t, tcp.PSH)
	assert.Equal(t, "client hello bytes", string(tcp.Payload))
}

func TestPcapStreamRejectsNonTCPAddr(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewPcapSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	_, err = NewPcapStream(sink, &net.UnixAddr{Name: "/tmp/x"}, &net.TCPAddr{IP: net.ParseIP("::1"), Port: 443})
	assert.Error(t, err)
}

func TestPcapSinkDrainIsAtomic(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewPcapSink(dir)
	require.NoError(t, err)

	client := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1111}
	server := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 2222}
	stream, err := NewPcapStream(sink, client, server)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, stream.WriteUp([]byte("x")))
	}

	sink.drain()
	sink.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 1)

	var total int
	for _, e := range entries {
		total += len(readAllPackets(t, filepath.Join(dir, e.Name())))
	}
	// 3 handshake + 50*2 data/ack segments
	assert.Equal(t, 103, total)
}
