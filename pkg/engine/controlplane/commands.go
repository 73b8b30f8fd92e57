package controlplane

import (
	"context"
	"fmt"
	"net/url"
)

// Commander is the imperative half of the control-plane boundary. The
// orchestrator and tool handlers issue commands through this interface so
// they never touch the wire protocol directly.
type Commander interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID, reason string) error
	Redirect(ctx context.Context, channelID, endpoint string) error
	Bridge(ctx context.Context, channelIDs ...string) (bridgeID string, err error)
	// Play starts playback of a media URI on a channel and returns the
	// playback identifier for completion tracking.
	Play(ctx context.Context, channelID, mediaURI string) (playbackID string, err error)
	StopPlayback(ctx context.Context, playbackID string) error
	SendDTMF(ctx context.Context, channelID, digits string) error
	// Originate places an outbound call and returns its channel identifier.
	Originate(ctx context.Context, req OriginateRequest) (channelID string, err error)
	// ChannelVar sets a channel variable, used to thread context template
	// values (for example campaign outcome classification) onto the call.
	ChannelVar(ctx context.Context, channelID, key, value string) error
}

// OriginateRequest describes an outbound call placement.
type OriginateRequest struct {
	Endpoint  string            `json:"endpoint"`
	CallerID  string            `json:"caller_id,omitempty"`
	Timeout   int               `json:"timeout,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.command(ctx, "POST", "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.command(ctx, "DELETE", "/channels/"+url.PathEscape(channelID), body, nil)
}

func (c *Client) Redirect(ctx context.Context, channelID, endpoint string) error {
	body := map[string]string{"endpoint": endpoint}
	return c.command(ctx, "POST", "/channels/"+url.PathEscape(channelID)+"/redirect", body, nil)
}

func (c *Client) Bridge(ctx context.Context, channelIDs ...string) (string, error) {
	var resp struct {
		BridgeID string `json:"bridge_id"`
	}
	body := map[string]any{"channel_ids": channelIDs}
	if err := c.command(ctx, "POST", "/bridges", body, &resp); err != nil {
		return "", err
	}
	return resp.BridgeID, nil
}

func (c *Client) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	var resp struct {
		PlaybackID string `json:"playback_id"`
	}
	body := map[string]string{"media": mediaURI}
	if err := c.command(ctx, "POST", "/channels/"+url.PathEscape(channelID)+"/play", body, &resp); err != nil {
		return "", err
	}
	return resp.PlaybackID, nil
}

func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.command(ctx, "DELETE", "/playbacks/"+url.PathEscape(playbackID), nil, nil)
}

func (c *Client) SendDTMF(ctx context.Context, channelID, digits string) error {
	body := map[string]string{"dtmf": digits}
	return c.command(ctx, "POST", "/channels/"+url.PathEscape(channelID)+"/dtmf", body, nil)
}

func (c *Client) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	if req.Endpoint == "" {
		return "", fmt.Errorf("originate: endpoint required")
	}
	var resp struct {
		ChannelID string `json:"channel_id"`
	}
	if err := c.command(ctx, "POST", "/channels", req, &resp); err != nil {
		return "", err
	}
	return resp.ChannelID, nil
}

func (c *Client) ChannelVar(ctx context.Context, channelID, key, value string) error {
	body := map[string]string{"variable": key, "value": value}
	return c.command(ctx, "POST", "/channels/"+url.PathEscape(channelID)+"/variable", body, nil)
}
