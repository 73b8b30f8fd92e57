package session

import (
	"testing"

	"github.com/voicebridge/voicebridge/pkg/engine/controlplane"
)

func testContexts() []ContextConfig {
	return []ContextConfig{
		{Name: "support", Provider: "openai-realtime", Model: "gpt-realtime"},
		{Name: "survey", Provider: ""},
		{Name: "sales", Provider: "gemini-live"},
	}
}

func TestResolvePrecedence(t *testing.T) {
	r := NewResolver(testContexts(), "support", "gemini-live")

	tests := []struct {
		name         string
		args         map[string]string
		wantContext  string
		wantProvider string
		wantErr      bool
	}{
		{"defaults", nil, "support", "openai-realtime", false},
		{"explicit context override", map[string]string{"context": "sales"}, "sales", "gemini-live", false},
		{"explicit provider override beats context default", map[string]string{"context": "support", "provider": "gemini-live"}, "support", "gemini-live", false},
		{"context without provider falls to global default", map[string]string{"context": "survey"}, "survey", "gemini-live", false},
		{"unknown context fails", map[string]string{"context": "ghost"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(controlplane.Event{
				Type:      controlplane.EventChannelEnteredApp,
				ChannelID: "chan-1",
				Args:      tt.args,
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("Resolve succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.ContextName != tt.wantContext {
				t.Errorf("context = %q, want %q", got.ContextName, tt.wantContext)
			}
			if got.ProviderName != tt.wantProvider {
				t.Errorf("provider = %q, want %q", got.ProviderName, tt.wantProvider)
			}
		})
	}
}

func TestResolveNoProviderAnywhere(t *testing.T) {
	r := NewResolver(testContexts(), "survey", "")
	if _, err := r.Resolve(controlplane.Event{Args: nil}); err == nil {
		t.Fatal("resolved with no provider at any level")
	}
}

func TestResolveTemplateVarsExcludeRoutingKeys(t *testing.T) {
	r := NewResolver(testContexts(), "support", "")
	got, err := r.Resolve(controlplane.Event{
		Args: map[string]string{
			"context":       "sales",
			"provider":      "gemini-live",
			"customer_name": "Ada",
			"account_tier":  "gold",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.TemplateVars) != 2 {
		t.Fatalf("template vars = %v", got.TemplateVars)
	}
	if got.TemplateVars["customer_name"] != "Ada" || got.TemplateVars["account_tier"] != "gold" {
		t.Errorf("template vars = %v", got.TemplateVars)
	}
}

func TestResolveDirectionDefaultsInbound(t *testing.T) {
	r := NewResolver(testContexts(), "support", "")
	got, err := r.Resolve(controlplane.Event{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Direction != "inbound" {
		t.Errorf("direction = %q, want inbound", got.Direction)
	}

	got, err = r.Resolve(controlplane.Event{Direction: "outbound"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Direction != "outbound" {
		t.Errorf("direction = %q, want outbound", got.Direction)
	}
}
