package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestInit_FileOutput(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "logs", "ccpoold.log")

	err := Init(InitOptions{
		Level:       "debug",
		Format:      "json",
		ServiceName: "ccpoold",
		Environment: "test",
		Output: OutputOptions{
			ToFile:   true,
			FilePath: logPath,
		},
		Rotation: RotationOptions{MaxSizeMB: 10, MaxBackups: 2, MaxAgeDays: 1},
	})
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	Named("snapshot-store").Info("wrote snapshot")
	Sync()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "wrote snapshot") {
		t.Fatalf("log file missing expected message: %s", text)
	}
	if !strings.Contains(text, `"component":"snapshot-store"`) {
		t.Fatalf("log file missing component field: %s", text)
	}
}

type capturingSink struct {
	mu     sync.Mutex
	events []*LogEvent
}

func (s *capturingSink) WriteLogEvent(event *LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func TestSetSink_ReceivesEvents(t *testing.T) {
	if err := Init(InitOptions{Level: "info", Output: OutputOptions{ToStdout: true}}); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	sink := &capturingSink{}
	SetSink(sink)
	t.Cleanup(func() { SetSink(nil) })

	Named("ledger").Warn("model marked rate limited")
	Sync()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) == 0 {
		t.Fatalf("expected at least one captured event")
	}
	last := sink.events[len(sink.events)-1]
	if last.Message != "model marked rate limited" {
		t.Fatalf("unexpected message: %q", last.Message)
	}
	if last.Level != "warn" {
		t.Fatalf("unexpected level: %q", last.Level)
	}
}

func TestMaskToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "***"},
		{"1/abcdefghijklmnopqrstuvwxyz", "1/ab...wxyz"},
	}
	for _, tc := range cases {
		if got := MaskToken(tc.in); got != tc.want {
			t.Errorf("MaskToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactField(t *testing.T) {
	if got := RedactField("refresh_token", "1/abcdefghijklmno"); got == "1/abcdefghijklmno" {
		t.Fatalf("expected refresh_token value to be masked")
	}
	if got := RedactField("email", "user@example.com"); got != "user@example.com" {
		t.Fatalf("expected non-sensitive field to pass through unchanged, got %q", got)
	}
}
