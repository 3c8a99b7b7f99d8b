package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hublink/hublink-go/pkg/log"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test"+log.FileExtension)
	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("failed to close logger: %v", err)
	}
	return path
}

func readAll(t *testing.T, path string) []log.Event {
	t.Helper()
	reader, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer reader.Close()

	var out []log.Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		out = append(out, event)
	}
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func sampleEvents() []log.Event {
	status := 202
	return []log.Event{
		{
			Timestamp: base, SessionID: "aaaaaaaa-1111", Service: log.ServiceProvisioning,
			Category: log.CategoryState, DeviceID: "reg-1",
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityConnection, OldState: "DISCONNECTED", NewState: "CONNECTED"},
		},
		{
			Timestamp: base.Add(time.Second), SessionID: "aaaaaaaa-1111", Service: log.ServiceProvisioning,
			Category: log.CategoryMessage, Direction: log.DirectionOut, DeviceID: "reg-1",
			Message: log.NewMessageEvent("$dps/registrations/PUT/iotdps-register/?$rid=r1", "r1", []byte(`{"registrationId":"reg-1"}`)),
		},
		{
			Timestamp: base.Add(2 * time.Second), SessionID: "aaaaaaaa-1111", Service: log.ServiceProvisioning,
			Category: log.CategoryMessage, Direction: log.DirectionIn, DeviceID: "reg-1",
			Message: &log.MessageEvent{Topic: "$dps/registrations/res/202/?$rid=r1", RequestID: "r1", Status: &status, Size: 0},
		},
		{
			Timestamp: base.Add(time.Minute), SessionID: "bbbbbbbb-2222", Service: log.ServiceHub,
			Category: log.CategoryCredential, DeviceID: "dev-1",
			Credential: &log.CredentialEvent{ResourceURI: "hub.example.net/devices/dev-1", ExpiresAt: base.Add(time.Hour), Renewal: true},
		},
		{
			Timestamp: base.Add(2 * time.Minute), SessionID: "bbbbbbbb-2222", Service: log.ServiceHub,
			Category: log.CategoryError, Direction: log.DirectionIn, DeviceID: "dev-1",
			Error: &log.ErrorEventData{Message: "no matching request", Context: "match response", RequestID: "r9"},
		},
	}
}

func TestView(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunView(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"2026-03-02T09:00:00.000000Z [session:aaaaaaaa] IN  PROVISIONING STATE reg-1",
		"CONNECTION: DISCONNECTED -> CONNECTED",
		"Topic: $dps/registrations/PUT/iotdps-register/?$rid=r1",
		`Payload: {"registrationId":"reg-1"}`,
		"Status: 202",
		"Token (renewal) for hub.example.net/devices/dev-1",
		"Error: no matching request",
		"Context: match response",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestViewFiltered(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	filter, err := FilterOptions{Service: "hub"}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	var buf bytes.Buffer
	if err := RunView(path, filter, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	if strings.Contains(buf.String(), "PROVISIONING") {
		t.Errorf("provisioning events not filtered:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "[session:bbbbbbbb]") {
		t.Errorf("hub events missing:\n%s", buf.String())
	}
}

func TestFilter(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	tests := []struct {
		name string
		opts FilterOptions
		want int
	}{
		{"all", FilterOptions{}, 5},
		{"session", FilterOptions{SessionID: "aaaaaaaa-1111"}, 3},
		{"device", FilterOptions{DeviceID: "dev-1"}, 2},
		{"direction out", FilterOptions{Direction: "out"}, 1},
		{"topic", FilterOptions{TopicPrefix: "$dps/registrations/res/"}, 1},
		{"category", FilterOptions{Category: "credential"}, 1},
		{"time range", FilterOptions{
			TimeStart: base.Add(time.Second).Format(time.RFC3339),
			TimeEnd:   base.Add(time.Minute).Format(time.RFC3339),
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := tt.opts.Build()
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			out := filepath.Join(t.TempDir(), "filtered"+log.FileExtension)
			n, err := RunFilter(path, out, filter)
			if err != nil {
				t.Fatalf("RunFilter failed: %v", err)
			}
			if n != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, n)
			}
			if got := len(readAll(t, out)); got != tt.want {
				t.Errorf("expected %d events in output, got %d", tt.want, got)
			}
		})
	}
}

func TestFilterOptionsInvalid(t *testing.T) {
	for _, opts := range []FilterOptions{
		{Direction: "sideways"},
		{Service: "mqtt"},
		{Category: "frame"},
		{TimeStart: "yesterday"},
		{TimeEnd: "2026-13-01"},
	} {
		if _, err := opts.Build(); err == nil {
			t.Errorf("expected error for %+v", opts)
		}
	}
}

func TestParseAliases(t *testing.T) {
	if s, err := ParseService("DPS"); err != nil || s != log.ServiceProvisioning {
		t.Errorf("ParseService(DPS) = %v, %v", s, err)
	}
	if d, err := ParseDirection("IN"); err != nil || d != log.DirectionIn {
		t.Errorf("ParseDirection(IN) = %v, %v", d, err)
	}
}

func TestExport(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	n, err := RunExport(path, log.Filter{}, "", &buf)
	if err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 events, got %d", n)
	}

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &obj); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines, err)
		}
		if _, ok := obj["SessionID"]; !ok {
			t.Errorf("line %d has no SessionID", lines)
		}
		lines++
	}
	if lines != 5 {
		t.Errorf("expected 5 lines, got %d", lines)
	}
}

func TestStats(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	stats, err := Collect(path)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if stats.TotalEvents != 5 {
		t.Errorf("expected 5 events, got %d", stats.TotalEvents)
	}
	if stats.EventsByService[log.ServiceProvisioning] != 3 {
		t.Errorf("expected 3 provisioning events, got %d", stats.EventsByService[log.ServiceProvisioning])
	}
	if stats.Errors != 1 || stats.Renewals != 1 {
		t.Errorf("errors=%d renewals=%d", stats.Errors, stats.Renewals)
	}
	if len(stats.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(stats.Sessions))
	}
	if s := stats.Sessions["aaaaaaaa-1111"]; s.Messages != 2 || s.DeviceID != "reg-1" {
		t.Errorf("unexpected session stats: %+v", s)
	}
	if got := stats.TimeRange.End.Sub(stats.TimeRange.Start); got != 2*time.Minute {
		t.Errorf("expected 2m span, got %v", got)
	}

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Sessions (2):") {
		t.Errorf("unexpected stats output:\n%s", buf.String())
	}
}

func TestStatsEmpty(t *testing.T) {
	path := createTestLogFile(t, nil)
	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "Events:   0" {
		t.Errorf("unexpected output: %q", buf.String())
	}
}
