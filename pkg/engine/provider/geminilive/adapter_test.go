package geminilive

import (
	"strings"
	"testing"
)

func TestToWireName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"lookup_order", "lookup_order"},
		{"crm.find contact", "crm.find_contact"},
		{"9to5_tool", "_9to5_tool"},
		{"", "_"},
		{strings.Repeat("b", 70), strings.Repeat("b", 63)},
	}
	for _, tt := range tests {
		if got := toWireName(tt.in); got != tt.want {
			t.Errorf("toWireName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandTemplate(t *testing.T) {
	got := expandTemplate("Call ${name} about ${topic}.", map[string]string{"name": "Sam", "topic": "renewal"})
	if got != "Call Sam about renewal." {
		t.Errorf("expandTemplate = %q", got)
	}
}
