package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublink/hublink-go/pkg/iothub"
	"github.com/hublink/hublink-go/pkg/sastoken"
	"github.com/hublink/hublink-go/pkg/topic"
	"github.com/hublink/hublink-go/pkg/transport"
)

const testKey = "c2VjcmV0LWtleS1mb3ItdGVzdHM="

// fakeConn is a disconnectWatcher driven by the test.
type fakeConn struct {
	connected bool
	done      chan struct{}
	cause     error
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) WaitForDisconnect(ctx context.Context) (error, error) {
	select {
	case <-f.done:
		return f.cause, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestInterrupt(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		called := false
		_, err := interrupt(context.Background(), &fakeConn{}, func(context.Context) (int, error) {
			called = true
			return 0, nil
		})
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.False(t, called)
	})

	t.Run("completes", func(t *testing.T) {
		conn := &fakeConn{connected: true, done: make(chan struct{})}
		v, err := interrupt(context.Background(), conn, func(context.Context) (int, error) {
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("operation error", func(t *testing.T) {
		conn := &fakeConn{connected: true, done: make(chan struct{})}
		boom := errors.New("boom")
		_, err := interrupt(context.Background(), conn, func(context.Context) (int, error) {
			return 0, boom
		})
		assert.Equal(t, boom, err)
	})

	t.Run("dropped", func(t *testing.T) {
		cause := errors.New("connection reset")
		conn := &fakeConn{connected: true, done: make(chan struct{}), cause: cause}
		cleaned := false
		_, err := interrupt(context.Background(), conn, func(ctx context.Context) (int, error) {
			defer func() { cleaned = true }()
			close(conn.done)
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.Equal(t, cause, err)
		assert.True(t, cleaned)
	})

	t.Run("requested disconnect", func(t *testing.T) {
		conn := &fakeConn{connected: true, done: make(chan struct{})}
		_, err := interrupt(context.Background(), conn, func(ctx context.Context) (int, error) {
			close(conn.done)
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.ErrorIs(t, err, ErrCancelledByDisconnect)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("caller cancels", func(t *testing.T) {
		conn := &fakeConn{connected: true, done: make(chan struct{})}
		ctx, cancel := context.WithCancel(context.Background())
		_, err := interrupt(ctx, conn, func(ctx context.Context) (int, error) {
			cancel()
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.Equal(t, context.Canceled, err)
		assert.NotErrorIs(t, err, ErrCancelledByDisconnect)
	})
}

func sasToken(expiry time.Time) string {
	return "SharedAccessSignature sr=scope%2Fregistrations%2Fdev-1&sig=abc&se=" +
		strconv.FormatInt(expiry.Unix(), 10)
}

func TestCredentialsValidate(t *testing.T) {
	fn := func(context.Context) (string, error) { return "", nil }

	tests := []struct {
		name  string
		creds Credentials
		err   error
	}{
		{"none", Credentials{}, ErrNoCredential},
		{"none allowed", Credentials{AllowNoCredential: true}, nil},
		{"key", Credentials{SharedAccessKey: testKey}, nil},
		{"token", Credentials{SASToken: "x"}, nil},
		{"func", Credentials{SASTokenFunc: fn}, nil},
		{"key and token", Credentials{SharedAccessKey: testKey, SASToken: "x"}, ErrCredentialConflict},
		{"token and func", Credentials{SASToken: "x", SASTokenFunc: fn}, ErrCredentialConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestCredentialsValidateTTL(t *testing.T) {
	assert.NoError(t, Credentials{SharedAccessKey: testKey, TokenTTL: 3 * time.Minute}.validate())
	assert.NoError(t, Credentials{SharedAccessKey: testKey, TokenTTL: 30 * time.Second, RenewalMargin: 10 * time.Second}.validate())

	assert.Error(t, Credentials{SharedAccessKey: testKey, TokenTTL: 30 * time.Second}.validate())
	assert.Error(t, Credentials{SharedAccessKey: testKey, TokenTTL: time.Minute, RenewalMargin: time.Minute}.validate())
	assert.Error(t, Credentials{SharedAccessKey: testKey, RenewalMargin: 2 * time.Hour}.validate())
	assert.Error(t, Credentials{SharedAccessKey: testKey, RenewalMargin: -time.Second}.validate())
}

func TestNewProvisioningSessionValidation(t *testing.T) {
	mem := transport.NewMemory()

	_, err := NewProvisioningSession(mem, ProvisioningConfig{IDScope: "scope", RegistrationID: " ",
		Credentials: Credentials{SharedAccessKey: testKey}})
	assert.Error(t, err)

	_, err = NewProvisioningSession(mem, ProvisioningConfig{IDScope: "scope", RegistrationID: "dev-1",
		Credentials: Credentials{SASToken: sasToken(time.Now().Add(-time.Minute))}})
	assert.ErrorIs(t, err, sastoken.ErrTokenExpired)

	_, err = NewProvisioningSession(mem, ProvisioningConfig{IDScope: "scope", RegistrationID: "dev-1",
		Credentials: Credentials{SASToken: "not a token"}})
	assert.ErrorIs(t, err, sastoken.ErrMalformedToken)

	_, err = NewProvisioningSession(mem, ProvisioningConfig{IDScope: "scope", RegistrationID: "dev-1",
		Credentials: Credentials{SharedAccessKey: "!!!"}})
	assert.ErrorIs(t, err, sastoken.ErrInvalidKey)
}

// answerProvisioning replies to every provisioning request with status and body.
func answerProvisioning(mem *transport.Memory, status int, body string) {
	mem.OnPublish(func(msg transport.Message) {
		_, query, _ := strings.Cut(msg.Topic, "?")
		rid := topic.ExtractProperties(query)[topic.PropRequestID]
		mem.Deliver(transport.Message{
			Topic:   "$dps/registrations/res/" + strconv.Itoa(status) + "/?$rid=" + rid,
			Payload: []byte(body),
		})
	})
}

func openProvisioning(t *testing.T, creds Credentials) (*ProvisioningSession, *transport.Memory) {
	t.Helper()
	mem := transport.NewMemory()
	s, err := NewProvisioningSession(mem, ProvisioningConfig{
		IDScope:         "scope",
		RegistrationID:  "dev-1",
		Credentials:     creds,
		ResponseTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, mem
}

func TestProvisioningSessionRegister(t *testing.T) {
	s, mem := openProvisioning(t, Credentials{SharedAccessKey: testKey})
	answerProvisioning(mem, 200, `{"operationId":"op","status":"assigned","registrationState":{"assignedHub":"hub.example.net","deviceId":"dev-1"}}`)

	_, pass := mem.Credentials()
	assert.True(t, strings.HasPrefix(pass, "SharedAccessSignature sr=scope%2Fregistrations%2Fdev-1&"))

	res, err := s.Register(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", res.RegistrationState.AssignedHub)
}

func TestProvisioningSessionUserToken(t *testing.T) {
	tok := sasToken(time.Now().Add(time.Hour))
	_, mem := openProvisioning(t, Credentials{SASToken: tok})

	_, pass := mem.Credentials()
	assert.Equal(t, tok, pass)
}

func TestUserTokenExtraFieldsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	creds := Credentials{SASToken: sasToken(time.Now().Add(time.Hour)) + "&foo=bar"}
	src, provider, err := creds.build("scope/registrations/dev-1", "s1", logger, nil)
	require.NoError(t, err)
	assert.Nil(t, provider)

	tok, err := src.Current()
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, tok.ExtraFields())
	assert.Contains(t, buf.String(), "SAS token has unexpected fields")
	assert.Contains(t, buf.String(), "foo")
}

func TestProvisioningSessionDropInterruptsRegister(t *testing.T) {
	s, mem := openProvisioning(t, Credentials{AllowNoCredential: true})
	cause := errors.New("keepalive timeout")
	mem.OnPublish(func(transport.Message) {
		mem.Drop(cause)
	})

	start := time.Now()
	_, err := s.Register(context.Background(), nil)
	assert.Equal(t, cause, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, s.Client().PendingRequests())
}

func TestProvisioningSessionRequestedDisconnect(t *testing.T) {
	s, mem := openProvisioning(t, Credentials{AllowNoCredential: true})
	mem.OnPublish(func(transport.Message) {
		_ = mem.Disconnect(context.Background())
	})

	_, err := s.Register(context.Background(), nil)
	assert.ErrorIs(t, err, ErrCancelledByDisconnect)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Client().PendingRequests())
}

func TestProvisioningSessionClosed(t *testing.T) {
	s, _ := openProvisioning(t, Credentials{AllowNoCredential: true})
	require.NoError(t, s.Close(context.Background()))

	_, err := s.Register(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func openHub(t *testing.T, creds Credentials) (*HubSession, *transport.Memory) {
	t.Helper()
	mem := transport.NewMemory()
	s, err := NewHubSession(mem, HubConfig{
		Hostname:    "hub.example.net",
		DeviceID:    "dev-1",
		Credentials: creds,
	})
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, mem
}

func TestHubSession(t *testing.T) {
	s, mem := openHub(t, Credentials{SharedAccessKey: testKey})
	ctx := context.Background()

	_, pass := mem.Credentials()
	assert.True(t, strings.HasPrefix(pass, "SharedAccessSignature sr=hub.example.net%2Fdevices%2Fdev-1&"))

	mem.OnPublish(func(msg transport.Message) {
		if !strings.HasPrefix(msg.Topic, "$iothub/twin/") {
			return
		}
		_, query, _ := strings.Cut(msg.Topic, "?")
		rid := topic.ExtractProperties(query)[topic.PropRequestID]
		if strings.Contains(msg.Topic, "/GET/") {
			mem.Deliver(transport.Message{Topic: "$iothub/twin/res/200/?$rid=" + rid,
				Payload: []byte(`{"desired":{"$version":1},"reported":{"$version":1}}`)})
			return
		}
		mem.Deliver(transport.Message{Topic: "$iothub/twin/res/204/?$rid=" + rid + "&$version=2"})
	})

	twin, err := s.GetTwin(ctx)
	require.NoError(t, err)
	assert.NotNil(t, twin.Desired)

	v, err := s.UpdateReportedProperties(ctx, map[string]any{"status": "ok"})
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	assert.Error(t, s.SendMessage(ctx, nil))
	require.NoError(t, s.SendMessage(ctx, iothub.NewMessage([]byte(`{"t":1}`))))

	patches, err := s.DesiredPropertyPatches(ctx)
	require.NoError(t, err)
	require.True(t, mem.Deliver(transport.Message{
		Topic:   "$iothub/twin/PATCH/properties/desired/?$version=3",
		Payload: []byte(`{"interval":30,"$version":3}`),
	}))
	select {
	case p := <-patches:
		assert.Equal(t, 3, p.Version)
	case <-time.After(time.Second):
		t.Fatal("no desired patch")
	}
}

func TestHubSessionDropInterruptsTwin(t *testing.T) {
	s, mem := openHub(t, Credentials{AllowNoCredential: true})
	cause := errors.New("connection lost")
	mem.OnPublish(func(msg transport.Message) {
		if strings.HasPrefix(msg.Topic, "$iothub/twin/GET/") {
			mem.Drop(cause)
		}
	})

	_, err := s.GetTwin(context.Background())
	assert.Equal(t, cause, err)
	assert.Equal(t, 0, s.Client().PendingRequests())
	assert.False(t, s.IsConnected())

	_, err = s.GetTwin(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Reconnect(context.Background()))
	assert.True(t, s.IsConnected())
}

func TestHubSessionTokenFunc(t *testing.T) {
	tok := sasToken(time.Now().Add(time.Hour))
	calls := 0
	_, mem := openHub(t, Credentials{SASTokenFunc: func(context.Context) (string, error) {
		calls++
		return tok, nil
	}})

	_, pass := mem.Credentials()
	assert.Equal(t, tok, pass)
	assert.Equal(t, 1, calls)
}

func TestHubSessionValidation(t *testing.T) {
	mem := transport.NewMemory()
	_, err := NewHubSession(mem, HubConfig{DeviceID: "d", Credentials: Credentials{AllowNoCredential: true}})
	assert.Error(t, err)
	_, err = NewHubSession(mem, HubConfig{Hostname: "h", Credentials: Credentials{AllowNoCredential: true}})
	assert.Error(t, err)
	_, err = NewHubSession(mem, HubConfig{Hostname: "h", DeviceID: "d"})
	assert.ErrorIs(t, err, ErrNoCredential)
}
