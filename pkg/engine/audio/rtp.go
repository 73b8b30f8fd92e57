package audio

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/errs"
)

const (
	rtpPayloadULaw = 0
	rtpPayloadALaw = 8

	rtpHeaderLen = 12
	rtpMaxPacket = 1500
)

// rtpSession is the RTP-style media binding: symmetric UDP, G.711 payload,
// 8 kHz clock. Sequence and timestamp are maintained for outbound packets;
// inbound packets are accepted in arrival order (jitter smoothing happens in
// the playback pipeline, not here).
type rtpSession struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	format Format

	writeMu sync.Mutex
	seq     uint16
	ts      uint32
	ssrc    uint32
	pt      byte

	closed sync.Once
}

func openRTP(cfg BindingConfig) (*rtpSession, error) {
	remote, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
	if err != nil {
		return nil, errs.New(errs.KindTransport, "rtp.resolve", err)
	}
	var local *net.UDPAddr
	if cfg.LocalAddr != "" {
		local, err = net.ResolveUDPAddr("udp", cfg.LocalAddr)
		if err != nil {
			return nil, errs.New(errs.KindTransport, "rtp.resolve", err)
		}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, errs.New(errs.KindTransport, "rtp.listen", err)
	}
	pt := byte(rtpPayloadULaw)
	if cfg.PayloadType == rtpPayloadALaw {
		pt = rtpPayloadALaw
	}
	return &rtpSession{
		conn:   conn,
		remote: remote,
		format: cfg.NativeFormat(),
		seq:    uint16(rand.Intn(1 << 16)),
		ts:     rand.Uint32(),
		ssrc:   rand.Uint32(),
		pt:     pt,
	}, nil
}

// LocalPort returns the bound media port, for the control-plane side of the
// external-media handshake.
func (s *rtpSession) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *rtpSession) ReadFrame(ctx context.Context) ([]byte, error) {
	buf := make([]byte, rtpMaxPacket)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = s.conn.SetReadDeadline(deadline)
		} else {
			_ = s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		}
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, errs.New(errs.KindTransport, "rtp.read", err)
		}
		if n < rtpHeaderLen {
			continue
		}
		if buf[0]>>6 != 2 {
			// Not RTP version 2.
			continue
		}
		hdrLen := rtpHeaderLen + 4*int(buf[0]&0x0f)
		if n <= hdrLen {
			continue
		}
		payload := make([]byte, n-hdrLen)
		copy(payload, buf[hdrLen:n])
		return payload, nil
	}
}

func (s *rtpSession) WriteFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pkt := make([]byte, rtpHeaderLen+len(frame))
	pkt[0] = 0x80 // V=2
	pkt[1] = s.pt
	binary.BigEndian.PutUint16(pkt[2:], s.seq)
	binary.BigEndian.PutUint32(pkt[4:], s.ts)
	binary.BigEndian.PutUint32(pkt[8:], s.ssrc)
	copy(pkt[rtpHeaderLen:], frame)

	s.seq++
	s.ts += uint32(len(frame) / s.format.Encoding.BytesPerSample())

	if _, err := s.conn.WriteToUDP(pkt, s.remote); err != nil {
		return errs.New(errs.KindTransport, "rtp.write", err)
	}
	return nil
}

func (s *rtpSession) Format() Format { return s.format }

func (s *rtpSession) Close() error {
	var err error
	s.closed.Do(func() {
		err = s.conn.Close()
	})
	return err
}
