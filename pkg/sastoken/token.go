package sastoken

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hublink/hublink-go/internal/urlenc"
)

// Marker separates the scheme from the token fields.
const Marker = "SharedAccessSignature "

// Token field keys.
const (
	FieldResourceURI = "sr"
	FieldSignature   = "sig"
	FieldExpiry      = "se"
	FieldKeyName     = "skn"
)

// ErrMalformedToken is returned when a string is not a valid SAS token.
var ErrMalformedToken = errors.New("malformed SAS token")

// Token is a parsed SAS token. Tokens are never modified after Parse;
// renewal replaces the whole value.
type Token struct {
	raw    string
	fields map[string]string
	expiry time.Time
}

// Parse parses a SAS token string of the form
// "SharedAccessSignature sr=<uri>&sig=<sig>&se=<expiry>[&skn=<name>]".
// Unknown fields are kept and reported by ExtraFields.
func Parse(s string) (*Token, error) {
	pieces := strings.Split(s, Marker)
	if len(pieces) != 2 {
		return nil, fmt.Errorf("%w: missing %q marker", ErrMalformedToken, strings.TrimSpace(Marker))
	}

	fields := make(map[string]string)
	for _, pair := range strings.Split(pieces[1], "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: field %q has no value", ErrMalformedToken, pair)
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	for _, k := range []string{FieldResourceURI, FieldSignature, FieldExpiry} {
		if _, ok := fields[k]; !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrMalformedToken, k)
		}
	}

	se, err := strconv.ParseFloat(fields[FieldExpiry], 64)
	if err != nil || math.IsNaN(se) || math.IsInf(se, 0) {
		return nil, fmt.Errorf("%w: invalid expiry %q", ErrMalformedToken, fields[FieldExpiry])
	}
	sec, frac := math.Modf(se)

	return &Token{
		raw:    s,
		fields: fields,
		expiry: time.Unix(int64(sec), int64(frac*float64(time.Second))),
	}, nil
}

// String returns the token string exactly as parsed.
func (t *Token) String() string {
	return t.raw
}

// ResourceURI returns the URL-decoded resource the token grants access to.
func (t *Token) ResourceURI() string {
	return decode(t.fields[FieldResourceURI])
}

// Signature returns the URL-decoded signature.
func (t *Token) Signature() string {
	return decode(t.fields[FieldSignature])
}

// KeyName returns the skn field, or "" if absent.
func (t *Token) KeyName() string {
	return decode(t.fields[FieldKeyName])
}

// ExpiryTime returns the absolute expiry time.
func (t *Token) ExpiryTime() time.Time {
	return t.expiry
}

// IsExpired reports whether the expiry time has been reached.
func (t *Token) IsExpired() bool {
	return !time.Now().Before(t.expiry)
}

// ExtraFields returns the keys of fields other than sr, sig, se and skn.
func (t *Token) ExtraFields() []string {
	var extra []string
	for k := range t.fields {
		switch k {
		case FieldResourceURI, FieldSignature, FieldExpiry, FieldKeyName:
		default:
			extra = append(extra, k)
		}
	}
	return extra
}

func decode(v string) string {
	if d, err := urlenc.Unquote(v); err == nil {
		return d
	}
	return v
}
