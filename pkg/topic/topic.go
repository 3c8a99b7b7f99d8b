package topic

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hublink/hublink-go/internal/urlenc"
)

// Well-known topic properties.
const (
	PropRequestID   = "$rid"
	PropRetryAfter  = "retry-after"
	PropOperationID = "operationId"
	PropVersion     = "$version"
)

// ErrInvalidTopic is returned when a topic does not have the expected shape.
var ErrInvalidTopic = errors.New("invalid topic")

// ExtractProperties parses "k1=v1&k2=v2...". A key without "=" maps to "".
// Keys and values are URL-decoded; undecodable parts are kept verbatim.
func ExtractProperties(s string) map[string]string {
	props := make(map[string]string)
	if s == "" {
		return props
	}
	for _, pair := range strings.Split(s, "&") {
		k, v, _ := strings.Cut(pair, "=")
		props[unquote(k)] = unquote(v)
	}
	return props
}

// EncodeProperties renders props as "k1=v1&k2=v2" with keys sorted.
func EncodeProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(urlenc.Quote(k))
		b.WriteByte('=')
		b.WriteString(urlenc.Quote(props[k]))
	}
	return b.String()
}

// RetryAfter returns the retry-after property in seconds. ok is false when
// the property is absent or not a non-negative integer.
func RetryAfter(props map[string]string) (seconds int, ok bool) {
	v, present := props[PropRetryAfter]
	if !present {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// queryPart splits a topic at the first "?".
func queryPart(topic string) (path, query string, ok bool) {
	return strings.Cut(topic, "?")
}

func parseStatus(s string) (int, error) {
	status, err := strconv.Atoi(unquote(s))
	if err != nil {
		return 0, fmt.Errorf("%w: status %q", ErrInvalidTopic, s)
	}
	return status, nil
}

func unquote(s string) string {
	if d, err := urlenc.Unquote(s); err == nil {
		return d
	}
	return s
}
