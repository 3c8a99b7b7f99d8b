package commands

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/hublink/hublink-go/pkg/log"
)

// Stats holds aggregate statistics about a capture file.
type Stats struct {
	TotalEvents       int
	EventsByService   map[log.Service]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Sessions          map[string]*SessionStats
	Errors            int
	Renewals          int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// SessionStats holds statistics for a single session.
type SessionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Messages  int
	DeviceID  string
}

// Collect reads every event of path into a Stats.
func Collect(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByService:   make(map[log.Service]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Sessions:          make(map[string]*SessionStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByService[event.Service]++
	s.EventsByCategory[event.Category]++
	if event.Message != nil {
		s.EventsByDirection[event.Direction]++
	}
	if event.Error != nil {
		s.Errors++
	}
	if event.Credential != nil && event.Credential.Renewal {
		s.Renewals++
	}

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	sess, ok := s.Sessions[event.SessionID]
	if !ok {
		sess = &SessionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Sessions[event.SessionID] = sess
	}
	sess.Events++
	if event.Message != nil {
		sess.Messages++
	}
	if event.Timestamp.Before(sess.FirstSeen) {
		sess.FirstSeen = event.Timestamp
	}
	if event.Timestamp.After(sess.LastSeen) {
		sess.LastSeen = event.Timestamp
	}
	if event.DeviceID != "" {
		sess.DeviceID = event.DeviceID
	}
}

// RunStats prints statistics about a capture file.
func RunStats(path string, w io.Writer) error {
	stats, err := Collect(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Events:   %d\n", stats.TotalEvents)
	if stats.TotalEvents == 0 {
		return nil
	}
	fmt.Fprintf(w, "Start:    %s\n", stats.TimeRange.Start.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "End:      %s\n", stats.TimeRange.End.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Millisecond))
	fmt.Fprintf(w, "Errors:   %d\n", stats.Errors)
	fmt.Fprintf(w, "Renewals: %d\n", stats.Renewals)

	fmt.Fprintln(w, "\nBy service:")
	for _, svc := range []log.Service{log.ServiceProvisioning, log.ServiceHub} {
		fmt.Fprintf(w, "  %-13s %d\n", svc, stats.EventsByService[svc])
	}
	fmt.Fprintln(w, "\nBy category:")
	for _, c := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryCredential, log.CategoryError} {
		fmt.Fprintf(w, "  %-13s %d\n", c, stats.EventsByCategory[c])
	}
	fmt.Fprintln(w, "\nMessages:")
	fmt.Fprintf(w, "  %-13s %d\n", log.DirectionOut, stats.EventsByDirection[log.DirectionOut])
	fmt.Fprintf(w, "  %-13s %d\n", log.DirectionIn, stats.EventsByDirection[log.DirectionIn])

	ids := make([]string, 0, len(stats.Sessions))
	for id := range stats.Sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fmt.Fprintf(w, "\nSessions (%d):\n", len(ids))
	for _, id := range ids {
		sess := stats.Sessions[id]
		fmt.Fprintf(w, "  %s  %-20s events=%d messages=%d span=%s\n",
			shortenID(id), sess.DeviceID, sess.Events, sess.Messages,
			sess.LastSeen.Sub(sess.FirstSeen).Round(time.Millisecond))
	}
	return nil
}
