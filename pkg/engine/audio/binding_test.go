package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/errs"
)

// fakeAudioSocketPeer accepts one connection and speaks the framed protocol.
type fakeAudioSocketPeer struct {
	ln   net.Listener
	conn net.Conn
}

func newFakeAudioSocketPeer(t *testing.T) *fakeAudioSocketPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return &fakeAudioSocketPeer{ln: ln}
}

func (p *fakeAudioSocketPeer) addr() string { return p.ln.Addr().String() }

// acceptAsync accepts in the background; the returned channel closes once
// p.conn is set.
func (p *fakeAudioSocketPeer) acceptAsync() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.conn = conn
	}()
	return done
}

func (p *fakeAudioSocketPeer) send(t *testing.T, kind byte, payload []byte) {
	t.Helper()
	hdr := []byte{kind, 0, 0}
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(payload)))
	if _, err := p.conn.Write(append(hdr, payload...)); err != nil {
		t.Fatal(err)
	}
}

func (p *fakeAudioSocketPeer) readMessage(t *testing.T) (byte, []byte) {
	t.Helper()
	var hdr [3]byte
	if _, err := io.ReadFull(p.conn, hdr[:]); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[1:]))
	if _, err := io.ReadFull(p.conn, payload); err != nil {
		t.Fatal(err)
	}
	return hdr[0], payload
}

func TestAudioSocketHandshakeAndFrames(t *testing.T) {
	peer := newFakeAudioSocketPeer(t)
	acceptDone := peer.acceptAsync()

	ctx := context.Background()
	c, err := dialAudioSocket(ctx, "call-123", peer.addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	<-acceptDone

	// The first message carries the call identifier.
	kind, payload := peer.readMessage(t)
	if kind != asKindID || string(payload) != "call-123" {
		t.Fatalf("handshake = kind %#x payload %q", kind, payload)
	}

	// Silence and ID messages are skipped; audio comes through.
	peer.send(t, asKindSilence, nil)
	audio := []byte{1, 2, 3, 4}
	peer.send(t, asKindAudio, audio)

	frame, err := c.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(frame) != string(audio) {
		t.Errorf("frame = %v", frame)
	}

	// Outbound frames are framed as audio messages.
	if err := c.WriteFrame([]byte{9, 8, 7}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	kind, payload = peer.readMessage(t)
	if kind != asKindAudio || len(payload) != 3 {
		t.Errorf("outbound = kind %#x payload %v", kind, payload)
	}

	if f := c.Format(); f.Encoding != EncodingPCM16 || f.SampleRateHz != 8000 {
		t.Errorf("format = %s", f)
	}
}

func TestAudioSocketTerminateIsEOFTransportError(t *testing.T) {
	peer := newFakeAudioSocketPeer(t)
	acceptDone := peer.acceptAsync()

	c, err := dialAudioSocket(context.Background(), "call-1", peer.addr())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	<-acceptDone
	peer.send(t, asKindTerminate, nil)

	_, err = c.ReadFrame(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("ReadFrame after terminate = %v, want io.EOF", err)
	}
	if !errs.IsTransport(err) {
		t.Errorf("terminate error kind = %v, want transport", errs.KindOf(err))
	}
}

func TestAudioSocketReadHonorsCancellation(t *testing.T) {
	peer := newFakeAudioSocketPeer(t)
	acceptDone := peer.acceptAsync()

	c, err := dialAudioSocket(context.Background(), "call-1", peer.addr())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	<-acceptDone

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.ReadFrame(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("ReadFrame = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrame did not return after cancellation")
	}
}

func TestRTPRoundTrip(t *testing.T) {
	// Far end of the media leg.
	farConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer farConn.Close()

	s, err := openRTP(BindingConfig{
		Kind:        BindingRTP,
		RemoteAddr:  farConn.LocalAddr().String(),
		LocalAddr:   "127.0.0.1:0",
		PayloadType: rtpPayloadULaw,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := s.WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	buf := make([]byte, 1500)
	_ = farConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := farConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != rtpHeaderLen+160 {
		t.Fatalf("packet length = %d", n)
	}
	if buf[0]>>6 != 2 {
		t.Errorf("RTP version = %d", buf[0]>>6)
	}
	if buf[1]&0x7f != rtpPayloadULaw {
		t.Errorf("payload type = %d", buf[1]&0x7f)
	}

	// Echo it back; the session should strip the header.
	local := s.conn.LocalAddr().(*net.UDPAddr)
	if _, err := farConn.WriteToUDP(buf[:n], local); err != nil {
		t.Fatal(err)
	}
	frame, err := s.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(frame) != string(payload) {
		t.Errorf("payload mismatch after round trip")
	}
}

func TestRTPSequenceAndTimestampAdvance(t *testing.T) {
	farConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer farConn.Close()

	s, err := openRTP(BindingConfig{
		Kind:       BindingRTP,
		RemoteAddr: farConn.LocalAddr().String(),
		LocalAddr:  "127.0.0.1:0",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	frame := make([]byte, 160)
	var seqs []uint16
	var stamps []uint32
	buf := make([]byte, 1500)
	for i := 0; i < 3; i++ {
		if err := s.WriteFrame(frame); err != nil {
			t.Fatal(err)
		}
		_ = farConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := farConn.ReadFromUDP(buf)
		if err != nil {
			t.Fatal(err)
		}
		_ = n
		seqs = append(seqs, binary.BigEndian.Uint16(buf[2:]))
		stamps = append(stamps, binary.BigEndian.Uint32(buf[4:]))
	}
	for i := 1; i < 3; i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Errorf("seq[%d] = %d, prev %d", i, seqs[i], seqs[i-1])
		}
		if stamps[i]-stamps[i-1] != 160 {
			t.Errorf("timestamp delta = %d, want 160", stamps[i]-stamps[i-1])
		}
	}
}

func TestRTPNativeFormats(t *testing.T) {
	ulaw := BindingConfig{Kind: BindingRTP, PayloadType: rtpPayloadULaw}
	if f := ulaw.NativeFormat(); f.Encoding != EncodingULaw || f.SampleRateHz != 8000 {
		t.Errorf("ulaw native format = %s", f)
	}
	alaw := BindingConfig{Kind: BindingRTP, PayloadType: rtpPayloadALaw}
	if f := alaw.NativeFormat(); f.Encoding != EncodingALaw {
		t.Errorf("alaw native format = %s", f)
	}
	as := BindingConfig{Kind: BindingAudioSocket}
	if f := as.NativeFormat(); f.Encoding != EncodingPCM16 || f.SampleRateHz != 8000 {
		t.Errorf("audiosocket native format = %s", f)
	}
}

func TestTransportSharesEndpointPerCall(t *testing.T) {
	farConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer farConn.Close()

	tr := NewTransport(nil)
	cfg := BindingConfig{Kind: BindingRTP, RemoteAddr: farConn.LocalAddr().String(), LocalAddr: "127.0.0.1:0"}

	src, err := tr.OpenInbound(context.Background(), "call-1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := tr.OpenOutbound(context.Background(), "call-1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if src.(*rtpSession) != sink.(*rtpSession) {
		t.Error("inbound and outbound legs use different endpoints")
	}

	tr.Release("call-1")
	tr.Release("call-1") // idempotent

	// A released call gets a fresh endpoint next time.
	src2, err := tr.OpenInbound(context.Background(), "call-1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if src2.(*rtpSession) == src.(*rtpSession) {
		t.Error("released endpoint reused")
	}
	tr.Release("call-1")
}
