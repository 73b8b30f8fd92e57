package tools

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/voicebridge/voicebridge/pkg/engine/controlplane"
)

type commandLog struct {
	hangups   []string
	redirects []string
	dtmf      []string
	vars      map[string]string
	fail      bool
}

func (c *commandLog) Answer(ctx context.Context, channelID string) error { return nil }

func (c *commandLog) Hangup(ctx context.Context, channelID, reason string) error {
	if c.fail {
		return errors.New("channel gone")
	}
	c.hangups = append(c.hangups, reason)
	return nil
}

func (c *commandLog) Redirect(ctx context.Context, channelID, endpoint string) error {
	c.redirects = append(c.redirects, endpoint)
	return nil
}

func (c *commandLog) Bridge(ctx context.Context, channelIDs ...string) (string, error) {
	return "", nil
}

func (c *commandLog) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	return "", nil
}

func (c *commandLog) StopPlayback(ctx context.Context, playbackID string) error { return nil }

func (c *commandLog) SendDTMF(ctx context.Context, channelID, digits string) error {
	c.dtmf = append(c.dtmf, digits)
	return nil
}

func (c *commandLog) Originate(ctx context.Context, req controlplane.OriginateRequest) (string, error) {
	return "", nil
}

func (c *commandLog) ChannelVar(ctx context.Context, channelID, key, value string) error {
	if c.vars == nil {
		c.vars = make(map[string]string)
	}
	c.vars[key] = value
	return nil
}

func builtinGateway(t *testing.T, cmd controlplane.Commander) *Gateway {
	t.Helper()
	g := NewGateway(nil, 0)
	if err := RegisterBuiltins(g, cmd); err != nil {
		t.Fatal(err)
	}
	all := g.Names()
	g.Bind("call-1", "chan-1", all, all)
	return g
}

func TestBuiltinNames(t *testing.T) {
	g := builtinGateway(t, &commandLog{})
	want := []string{"hangup_call", "leave_summary", "send_dtmf", "transfer_call"}
	if got := g.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if !g.IsConcurrentSafe("send_dtmf") {
		t.Error("send_dtmf not concurrent-safe")
	}
	if g.IsConcurrentSafe("hangup_call") {
		t.Error("hangup_call concurrent-safe")
	}
}

func TestBuiltinHangup(t *testing.T) {
	cmd := &commandLog{}
	g := builtinGateway(t, cmd)

	res := g.Execute(context.Background(), "call-1", "hangup_call", json.RawMessage(`{"reason":"caller done"}`), nil)
	if res.Status != StatusOK {
		t.Fatalf("status = %q: %s", res.Status, res.Summary)
	}
	if len(cmd.hangups) != 1 || cmd.hangups[0] != "caller done" {
		t.Errorf("hangups = %v", cmd.hangups)
	}

	// Missing reason falls back to a normal hangup.
	g.Execute(context.Background(), "call-1", "hangup_call", nil, nil)
	if cmd.hangups[1] != "normal" {
		t.Errorf("default reason = %q", cmd.hangups[1])
	}
}

func TestBuiltinHangupCommandFailure(t *testing.T) {
	cmd := &commandLog{fail: true}
	g := builtinGateway(t, cmd)
	res := g.Execute(context.Background(), "call-1", "hangup_call", nil, nil)
	if res.Status != StatusError {
		t.Errorf("status = %q, want error", res.Status)
	}
}

func TestBuiltinTransfer(t *testing.T) {
	cmd := &commandLog{}
	g := builtinGateway(t, cmd)

	res := g.Execute(context.Background(), "call-1", "transfer_call", json.RawMessage(`{"destination":"PJSIP/agents"}`), nil)
	if res.Status != StatusOK {
		t.Fatalf("status = %q", res.Status)
	}
	if len(cmd.redirects) != 1 || cmd.redirects[0] != "PJSIP/agents" {
		t.Errorf("redirects = %v", cmd.redirects)
	}

	res = g.Execute(context.Background(), "call-1", "transfer_call", json.RawMessage(`{}`), nil)
	if res.Status != StatusError {
		t.Errorf("transfer without destination: status = %q", res.Status)
	}
}

func TestBuiltinSendDTMF(t *testing.T) {
	cmd := &commandLog{}
	g := builtinGateway(t, cmd)

	res := g.Execute(context.Background(), "call-1", "send_dtmf", json.RawMessage(`{"digits":"1#"}`), nil)
	if res.Status != StatusOK {
		t.Fatalf("status = %q", res.Status)
	}
	if len(cmd.dtmf) != 1 || cmd.dtmf[0] != "1#" {
		t.Errorf("dtmf = %v", cmd.dtmf)
	}
}

func TestBuiltinLeaveSummary(t *testing.T) {
	cmd := &commandLog{}
	g := builtinGateway(t, cmd)

	res := g.Execute(context.Background(), "call-1", "leave_summary", json.RawMessage(`{"note":"wants callback tomorrow"}`), nil)
	if res.Status != StatusOK {
		t.Fatalf("status = %q", res.Status)
	}
	if cmd.vars["CALL_NOTE"] != "wants callback tomorrow" {
		t.Errorf("vars = %v", cmd.vars)
	}
}
