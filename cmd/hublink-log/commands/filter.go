package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hublink/hublink-go/pkg/log"
)

// FilterOptions specifies filtering criteria shared by view and filter.
type FilterOptions struct {
	SessionID   string
	DeviceID    string
	TopicPrefix string
	TimeStart   string
	TimeEnd     string
	Direction   string
	Service     string
	Category    string
}

// Build converts the options into a log.Filter.
func (o FilterOptions) Build() (log.Filter, error) {
	filter := log.Filter{
		SessionID:   o.SessionID,
		DeviceID:    o.DeviceID,
		TopicPrefix: o.TopicPrefix,
	}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if o.Direction != "" {
		d, err := ParseDirection(o.Direction)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Direction = &d
	}
	if o.Service != "" {
		s, err := ParseService(o.Service)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Service = &s
	}
	if o.Category != "" {
		c, err := ParseCategory(o.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}
	return filter, nil
}

// RunFilter copies the events of path matching filter to output and returns
// the number copied.
func RunFilter(path, output string, filter log.Filter) (int, error) {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer logger.Close()

	count := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to read event: %w", err)
		}
		logger.Log(event)
		count++
	}
}

// ParseDirection parses "in" or "out".
func ParseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	}
	return 0, fmt.Errorf("invalid direction: %s (valid: in, out)", s)
}

// ParseService parses "provisioning"/"dps" or "hub".
func ParseService(s string) (log.Service, error) {
	switch strings.ToLower(s) {
	case "provisioning", "dps":
		return log.ServiceProvisioning, nil
	case "hub":
		return log.ServiceHub, nil
	}
	return 0, fmt.Errorf("invalid service: %s (valid: provisioning, hub)", s)
}

// ParseCategory parses an event category name.
func ParseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "credential":
		return log.CategoryCredential, nil
	case "error":
		return log.CategoryError, nil
	}
	return 0, fmt.Errorf("invalid category: %s (valid: message, state, credential, error)", s)
}
