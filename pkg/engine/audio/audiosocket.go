package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/errs"
)

// AudioSocket wire protocol: each message is a 3-byte header (1-byte kind,
// 2-byte big-endian payload length) followed by the payload. Audio payloads
// are signed linear 16-bit 8 kHz mono.
const (
	asKindTerminate = 0x00
	asKindID        = 0x01
	asKindSilence   = 0x02
	asKindAudio     = 0x10
	asKindError     = 0xff

	asMaxPayload  = 65535
	asDialTimeout = 5 * time.Second
)

type audioSocketConn struct {
	conn   net.Conn
	callID string

	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  sync.Once
	format  Format
}

func dialAudioSocket(ctx context.Context, callID, addr string) (*audioSocketConn, error) {
	d := net.Dialer{Timeout: asDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.New(errs.KindTransport, "audiosocket.dial", err)
	}
	c := &audioSocketConn{
		conn:   conn,
		callID: callID,
		format: Format{Encoding: EncodingPCM16, SampleRateHz: 8000, Channels: 1},
	}
	if err := c.writeMessage(asKindID, []byte(callID)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *audioSocketConn) writeMessage(kind byte, payload []byte) error {
	if len(payload) > asMaxPayload {
		return errs.Newf(errs.KindTransport, "audiosocket.write", "payload %d exceeds frame limit", len(payload))
	}
	var hdr [3]byte
	hdr[0] = kind
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return errs.New(errs.KindTransport, "audiosocket.write", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return errs.New(errs.KindTransport, "audiosocket.write", err)
		}
	}
	return nil
}

// ReadFrame returns the next audio payload, skipping silence and ID
// messages. A terminate message or peer close surfaces as io.EOF wrapped in
// a transport error.
func (c *audioSocketConn) ReadFrame(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = c.conn.SetReadDeadline(deadline)
		} else {
			// Poll so cancellation is honored without a reader goroutine.
			_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		}

		var hdr [3]byte
		_, err := io.ReadFull(c.conn, hdr[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, errs.New(errs.KindTransport, "audiosocket.read", err)
		}
		length := int(binary.BigEndian.Uint16(hdr[1:]))
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				return nil, errs.New(errs.KindTransport, "audiosocket.read", err)
			}
		}

		switch hdr[0] {
		case asKindAudio:
			return payload, nil
		case asKindTerminate:
			return nil, errs.New(errs.KindTransport, "audiosocket.read", io.EOF)
		case asKindError:
			return nil, errs.Newf(errs.KindTransport, "audiosocket.read", "peer error frame: %q", payload)
		case asKindID, asKindSilence:
			// Metadata and comfort noise carry no caller audio.
		default:
			return nil, errs.Newf(errs.KindTransport, "audiosocket.read", "unknown frame kind 0x%02x", hdr[0])
		}
	}
}

func (c *audioSocketConn) WriteFrame(frame []byte) error {
	// Asterisk rejects oversized frames; split on the wire limit.
	for len(frame) > asMaxPayload {
		if err := c.writeMessage(asKindAudio, frame[:asMaxPayload]); err != nil {
			return err
		}
		frame = frame[asMaxPayload:]
	}
	return c.writeMessage(asKindAudio, frame)
}

func (c *audioSocketConn) Format() Format { return c.format }

func (c *audioSocketConn) Close() error {
	var err error
	c.closed.Do(func() {
		_ = c.writeMessage(asKindTerminate, nil)
		err = c.conn.Close()
	})
	if err != nil {
		return fmt.Errorf("close audiosocket %s: %w", c.callID, err)
	}
	return nil
}
