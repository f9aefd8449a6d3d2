package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/njoerd114/unforgotten/internal/config"
)

func TestRootCmd_Version(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "unforgotten dev" {
		t.Errorf("version output = %q", got)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"setup", "daemon", "sync-once", "generate-logs", "status", "backend", "uninstall", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestBackendCmd_RequiresSecret(t *testing.T) {
	t.Setenv("UNFORGOTTEN_BACKEND_SECRET", "")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"backend", "--addr", "127.0.0.1:0"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "secret") {
		t.Errorf("Execute = %v, want secret error", err)
	}
}

func TestSinkSummary(t *testing.T) {
	tests := []struct {
		in   config.NotificationsConfig
		want string
	}{
		{config.NotificationsConfig{}, "log only"},
		{config.NotificationsConfig{AppleReminders: "Family"}, "Apple Reminders (Family)"},
		{config.NotificationsConfig{
			AppleReminders: "Family",
			HomeAssistant:  &config.HomeAssistantConfig{EntityID: "todo.family"},
		}, "Apple Reminders (Family), Home Assistant (todo.family)"},
	}
	for _, tt := range tests {
		if got := sinkSummary(tt.in); got != tt.want {
			t.Errorf("sinkSummary = %q, want %q", got, tt.want)
		}
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range tests {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}
