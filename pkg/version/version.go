// Package version holds the library version and the service API versions
// the clients speak, and builds the client identification strings sent in
// MQTT usernames.
package version

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/hublink/hublink-go/internal/urlenc"
)

// Library is the hublink-go release.
const Library = "0.3.0"

// Service API versions.
const (
	ProvisioningAPIVersion = "2019-03-31"
	HubAPIVersion          = "2019-10-01"
)

// Product names used in user agents.
const (
	ProvisioningProduct = "hublink-go/provisioning"
	HubProduct          = "hublink-go/hub"
)

// UserAgent returns "<product>/<version>(<os>;<arch>;<go version>)" with
// productInfo appended verbatim.
func UserAgent(product, productInfo string) string {
	return fmt.Sprintf("%s/%s(%s;%s;%s)%s", product, Library,
		runtime.GOOS, runtime.GOARCH, runtime.Version(), productInfo)
}

// Query renders ordered key/value pairs as an encoded query string.
// It panics if pairs has an odd length.
func Query(pairs ...string) string {
	if len(pairs)%2 != 0 {
		panic("version: odd number of query arguments")
	}
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		parts = append(parts, urlenc.Quote(pairs[i])+"="+urlenc.Quote(pairs[i+1]))
	}
	return strings.Join(parts, "&")
}
