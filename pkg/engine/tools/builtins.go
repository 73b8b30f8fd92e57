package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voicebridge/voicebridge/pkg/engine/controlplane"
)

// RegisterBuiltins installs the engine's call-control tools. All side
// effects go through the control-plane command interface; handlers never
// touch session state directly.
func RegisterBuiltins(g *Gateway, commander controlplane.Commander) error {
	defs := []Definition{
		{
			Name:        "hangup_call",
			Description: "End the current phone call politely after saying goodbye.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string","description":"Short reason for ending the call."}},"required":[]}`),
			Handler: func(ctx context.Context, call CallRef, args json.RawMessage) (Result, error) {
				var in struct {
					Reason string `json:"reason"`
				}
				_ = json.Unmarshal(args, &in)
				if in.Reason == "" {
					in.Reason = "normal"
				}
				if err := commander.Hangup(ctx, call.ChannelID, in.Reason); err != nil {
					return Result{}, fmt.Errorf("hangup %s: %w", call.ChannelID, err)
				}
				return Result{Summary: "Okay, ending the call now. Goodbye."}, nil
			},
		},
		{
			Name:        "transfer_call",
			Description: "Transfer the caller to another destination, such as a human agent.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"destination":{"type":"string","description":"Transfer target endpoint or extension."}},"required":["destination"]}`),
			Handler: func(ctx context.Context, call CallRef, args json.RawMessage) (Result, error) {
				var in struct {
					Destination string `json:"destination"`
				}
				if err := json.Unmarshal(args, &in); err != nil || in.Destination == "" {
					return Result{Status: StatusError, Summary: "I need a destination to transfer the call."}, nil
				}
				if err := commander.Redirect(ctx, call.ChannelID, in.Destination); err != nil {
					return Result{}, fmt.Errorf("redirect %s: %w", call.ChannelID, err)
				}
				payload, _ := json.Marshal(map[string]string{"destination": in.Destination})
				return Result{
					Payload: payload,
					Summary: "Transferring you now, one moment please.",
				}, nil
			},
		},
		{
			Name:        "send_dtmf",
			Description: "Send DTMF digits on the call, for example to navigate a phone menu.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"digits":{"type":"string","description":"Digits 0-9, *, # to send."}},"required":["digits"]}`),
			Concurrent:  true,
			Handler: func(ctx context.Context, call CallRef, args json.RawMessage) (Result, error) {
				var in struct {
					Digits string `json:"digits"`
				}
				if err := json.Unmarshal(args, &in); err != nil || in.Digits == "" {
					return Result{Status: StatusError, Summary: "No digits were provided."}, nil
				}
				if err := commander.SendDTMF(ctx, call.ChannelID, in.Digits); err != nil {
					return Result{}, fmt.Errorf("send dtmf on %s: %w", call.ChannelID, err)
				}
				return Result{Summary: "Done."}, nil
			},
		},
		{
			Name:        "leave_summary",
			Description: "Attach a short note to the call record for later review.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"note":{"type":"string"}},"required":["note"]}`),
			Handler: func(ctx context.Context, call CallRef, args json.RawMessage) (Result, error) {
				var in struct {
					Note string `json:"note"`
				}
				if err := json.Unmarshal(args, &in); err != nil || in.Note == "" {
					return Result{Status: StatusError, Summary: "There was no note to save."}, nil
				}
				if err := commander.ChannelVar(ctx, call.ChannelID, "CALL_NOTE", in.Note); err != nil {
					return Result{}, fmt.Errorf("set note on %s: %w", call.ChannelID, err)
				}
				return Result{Summary: "I've noted that."}, nil
			},
		},
	}

	for _, def := range defs {
		if err := g.Register(def); err != nil {
			return err
		}
	}
	return nil
}
