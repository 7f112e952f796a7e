/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapDrainInterval is how often the shared buffer is flushed to disk.
const pcapDrainInterval = time.Second

var (
	pcapClientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	pcapServerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// PcapSink is the process-wide serializing writer every Tunnel's
// PcapStream appends forged packets to. It owns one in-memory buffer,
// swapped out on every tick of its drain loop that finds packets in it and
// appended to pcap/<unix_time>.pcap, named after the time of the drain (the
// capture file header is written only when that file is new); the swap is
// the only point of contention between writer goroutines and the drain
// goroutine.
type PcapSink struct {
	mu        sync.Mutex
	buf       *bytes.Buffer
	headerLen int
	writer    *pcapgo.Writer
	dir       string
	stop   chan struct{}
	done   chan struct{}
}

// NewPcapSink starts a sink writing rotated captures under dir, creating it
// if necessary.
func NewPcapSink(dir string) (*PcapSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewError(KindTransport, "pcap: create directory", err)
	}
	s := &PcapSink{dir: dir, stop: make(chan struct{}), done: make(chan struct{})}
	s.resetLocked()
	go s.drainLoop()
	return s, nil
}

func (s *PcapSink) resetLocked() {
	s.buf = &bytes.Buffer{}
	s.writer = pcapgo.NewWriter(s.buf)
	s.writer.WriteFileHeader(65536, layers.LinkTypeEthernet)
	s.headerLen = s.buf.Len()
}

func (s *PcapSink) writePacket(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(payload),
		Length:        len(payload),
	}
	if err := s.writer.WritePacket(ci, payload); err != nil {
		RecordPCAPFlushError()
		return NewError(KindTransport, "pcap: write packet", err)
	}
	RecordPCAPPacketWritten()
	return nil
}

func (s *PcapSink) drainLoop() {
	defer close(s.done)
	ticker := time.NewTicker(pcapDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.drain()
		case <-s.stop:
			s.drain()
			return
		}
	}
}

// drain is read-then-truncate under the buffer's own lock: readers (the
// writer goroutines calling writePacket) never observe a half-swapped
// buffer, and the file write itself happens outside the lock.
func (s *PcapSink) drain() {
	s.mu.Lock()
	if s.buf.Len() <= s.headerLen {
		s.mu.Unlock()
		return
	}
	pending := make([]byte, s.buf.Len())
	copy(pending, s.buf.Bytes())
	s.resetLocked()
	s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("%d.pcap", time.Now().Unix()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		RecordPCAPFlushError()
		return
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		pending = pending[s.headerLen:]
	}
	if _, err := f.Write(pending); err != nil {
		RecordPCAPFlushError()
	}
}

// Close stops the drain loop after one final flush.
func (s *PcapSink) Close() {
	close(s.stop)
	<-s.done
}

// PcapStream forges a single coherent TCP/IPv6 stream between client and
// server into a shared PcapSink, implementing Tunnel's PacketWriter. Its
// sequence numbers are fabricated and wrap modulo 2^32, and IPv4 peers are
// represented in their ::ffff:-mapped IPv6 form.
type PcapStream struct {
	sink *PcapSink

	mu                     sync.Mutex
	clientIP, serverIP     net.IP
	clientPort, serverPort uint16
	clientSeq, serverSeq   uint32
}

// NewPcapStream records the synthetic three-way handshake and returns a
// PcapStream ready to record forwarded application data.
func NewPcapStream(sink *PcapSink, client, server net.Addr) (*PcapStream, error) {
	clientIP, clientPort, err := splitTCPAddr(client)
	if err != nil {
		return nil, err
	}
	serverIP, serverPort, err := splitTCPAddr(server)
	if err != nil {
		return nil, err
	}

	s := &PcapStream{
		sink:       sink,
		clientIP:   clientIP.To16(),
		serverIP:   serverIP.To16(),
		clientPort: clientPort,
		serverPort: serverPort,
		clientSeq:  rand.Uint32(),
		serverSeq:  rand.Uint32(),
	}
	if err := s.writeHandshake(); err != nil {
		return nil, err
	}
	return s, nil
}

func splitTCPAddr(addr net.Addr) (net.IP, uint16, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, 0, NewError(KindTransport, "pcap: peer address", fmt.Errorf("unsupported address type %T", addr))
	}
	return tcpAddr.IP, uint16(tcpAddr.Port), nil
}

func (s *PcapStream) writeHandshake() error {
	syn, err := s.segment(s.clientIP, s.serverIP, s.clientPort, s.serverPort, s.clientSeq-1, 0, true, false, false, nil)
	if err != nil {
		return err
	}
	synAck, err := s.segment(s.serverIP, s.clientIP, s.serverPort, s.clientPort, s.serverSeq-1, s.clientSeq, true, true, false, nil)
	if err != nil {
		return err
	}
	ack, err := s.segment(s.clientIP, s.serverIP, s.clientPort, s.serverPort, s.clientSeq, s.serverSeq, false, true, false, nil)
	if err != nil {
		return err
	}
	for _, pkt := range [][]byte{syn, synAck, ack} {
		if err := s.sink.writePacket(pkt); err != nil {
			return err
		}
	}
	return nil
}

// WriteUp records data flowing from the client to the server, followed by
// the server's advancing pure ACK.
func (s *PcapStream) WriteUp(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.clientSeq
	s.clientSeq += uint32(len(data))
	push, err := s.segment(s.clientIP, s.serverIP, s.clientPort, s.serverPort, seq, s.serverSeq, false, true, true, data)
	if err != nil {
		return err
	}
	ack, err := s.segment(s.serverIP, s.clientIP, s.serverPort, s.clientPort, s.serverSeq, s.clientSeq, false, true, false, nil)
	if err != nil {
		return err
	}
	if err := s.sink.writePacket(push); err != nil {
		return err
	}
	return s.sink.writePacket(ack)
}

// WriteDown records data flowing from the server to the client, followed by
// the client's advancing pure ACK.
func (s *PcapStream) WriteDown(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.serverSeq
	s.serverSeq += uint32(len(data))
	push, err := s.segment(s.serverIP, s.clientIP, s.serverPort, s.clientPort, seq, s.clientSeq, false, true, true, data)
	if err != nil {
		return err
	}
	ack, err := s.segment(s.clientIP, s.serverIP, s.clientPort, s.serverPort, s.clientSeq, s.serverSeq, false, true, false, nil)
	if err != nil {
		return err
	}
	if err := s.sink.writePacket(push); err != nil {
		return err
	}
	return s.sink.writePacket(ack)
}

func (s *PcapStream) segment(srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, syn, ackFlag, psh bool, payload []byte) ([]byte, error) {
	srcMAC, dstMAC := pcapClientMAC, pcapServerMAC
	if srcPort == s.serverPort {
		srcMAC, dstMAC = pcapServerMAC, pcapClientMAC
	}
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolTCP,
		HopLimit:   64,
		SrcIP:      srcIP,
		DstIP:      dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		SYN:     syn,
		ACK:     ackFlag,
		PSH:     psh,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, NewError(KindTransport, "pcap: checksum", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, NewError(KindTransport, "pcap: serialize", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}
