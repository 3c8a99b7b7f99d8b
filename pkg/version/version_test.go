package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent(HubProduct, "")
	assert.True(t, strings.HasPrefix(ua, "hublink-go/hub/"+Library+"("))
	assert.Contains(t, ua, runtime.GOOS)
	assert.True(t, strings.HasSuffix(ua, ")"))

	assert.True(t, strings.HasSuffix(UserAgent(HubProduct, "thermostat/2"), ")thermostat/2"))
}

func TestQuery(t *testing.T) {
	assert.Equal(t, "", Query())
	assert.Equal(t, "api-version=2019-10-01&DeviceClientType=a%2Fb%20c",
		Query("api-version", HubAPIVersion, "DeviceClientType", "a/b c"))
	assert.Panics(t, func() { Query("k") })
}
