package agent

import "testing"

func TestStripHeartbeatToken(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		want     string
		stripped bool
	}{
		{"whole reply", "HEARTBEAT_OK", "", true},
		{"whole reply padded", "  HEARTBEAT_OK  ", "", true},
		{"leading token", "HEARTBEAT_OK but the disk is filling up", "but the disk is filling up", true},
		{"trailing token", "Disk is filling up. HEARTBEAT_OK", "Disk is filling up.", true},
		{"no token", "All systems nominal", "All systems nominal", false},
		{"token mid-sentence kept", "The HEARTBEAT_OK token is documented here", "The HEARTBEAT_OK token is documented here", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, stripped := StripHeartbeatToken(tt.in)
			if got != tt.want || stripped != tt.stripped {
				t.Errorf("StripHeartbeatToken(%q) = (%q, %v), want (%q, %v)",
					tt.in, got, stripped, tt.want, tt.stripped)
			}
		})
	}
}

func TestHeartbeatServicePrompt(t *testing.T) {
	h := NewHeartbeatService(nil, HeartbeatConfig{}, nil)
	if h.Prompt() == "" {
		t.Fatal("empty default prompt")
	}

	h = NewHeartbeatService(nil, HeartbeatConfig{Prompt: "custom probe"}, nil)
	if h.Prompt() != "custom probe" {
		t.Errorf("prompt override ignored: %q", h.Prompt())
	}
}

func TestHeartbeatServiceStartDisabled(t *testing.T) {
	h := NewHeartbeatService(nil, HeartbeatConfig{Enabled: false, Targets: []string{"telegram:1"}}, nil)
	if err := h.Start(); err != nil {
		t.Errorf("disabled start errored: %v", err)
	}

	h = NewHeartbeatService(nil, HeartbeatConfig{Enabled: true}, nil)
	if err := h.Start(); err != nil {
		t.Errorf("start without targets errored: %v", err)
	}

	h = NewHeartbeatService(nil, HeartbeatConfig{Enabled: true, Schedule: "not a cron", Targets: []string{"telegram:1"}}, nil)
	if err := h.Start(); err == nil {
		t.Error("invalid schedule accepted")
	}
}
