// Package commands implements the hublink-log CLI commands.
package commands

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/hublink/hublink-go/pkg/log"
)

// RunView prints the events of a capture file matching filter.
func RunView(path string, filter log.Filter, w io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(w, event)
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [session:%s] %-3s %s %s",
		ts, shortenID(event.SessionID), event.Direction, event.Service, event.Category)
	if event.DeviceID != "" {
		fmt.Fprintf(w, " %s", event.DeviceID)
	}
	fmt.Fprintln(w)

	switch {
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Credential != nil:
		formatCredentialDetails(w, event.Credential)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortenID returns the first 8 characters of a session ID.
func shortenID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	fmt.Fprintf(w, "  Topic: %s\n", msg.Topic)
	if msg.RequestID != "" {
		fmt.Fprintf(w, "  RequestID: %s\n", msg.RequestID)
	}
	if msg.Status != nil {
		fmt.Fprintf(w, "  Status: %d\n", *msg.Status)
	}
	fmt.Fprintf(w, "  Size: %d bytes\n", msg.Size)
	if len(msg.Payload) == 0 {
		return
	}
	if utf8.Valid(msg.Payload) {
		fmt.Fprintf(w, "  Payload: %s", strings.TrimSpace(string(msg.Payload)))
	} else {
		fmt.Fprintf(w, "  Payload: %x", msg.Payload)
	}
	if msg.Truncated {
		fmt.Fprint(w, " (truncated)")
	}
	fmt.Fprintln(w)
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	old := sc.OldState
	if old == "" {
		old = "-"
	}
	fmt.Fprintf(w, "  %s: %s -> %s\n", sc.Entity, old, sc.NewState)
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatCredentialDetails(w io.Writer, c *log.CredentialEvent) {
	kind := "initial"
	if c.Renewal {
		kind = "renewal"
	}
	fmt.Fprintf(w, "  Token (%s) for %s\n", kind, c.ResourceURI)
	fmt.Fprintf(w, "  Expires: %s\n", c.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))
}

func formatErrorDetails(w io.Writer, e *log.ErrorEventData) {
	fmt.Fprintf(w, "  Error: %s\n", e.Message)
	if e.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", e.Context)
	}
	if e.RequestID != "" {
		fmt.Fprintf(w, "  RequestID: %s\n", e.RequestID)
	}
}
