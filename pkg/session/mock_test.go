package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hublink/hublink-go/pkg/topic"
	"github.com/hublink/hublink-go/pkg/transport"
	"github.com/hublink/hublink-go/pkg/transport/mocks"
)

func mockProvisioning(t *testing.T) (*ProvisioningSession, *mocks.Transport) {
	t.Helper()
	tr := mocks.NewTransport(t)
	s, err := NewProvisioningSession(tr, ProvisioningConfig{
		IDScope:        "0ne00000001",
		RegistrationID: "dev-1",
		Credentials:    Credentials{SharedAccessKey: testKey},
	})
	require.NoError(t, err)
	return s, tr
}

func isToken(password string) bool {
	return strings.HasPrefix(password, "SharedAccessSignature sr=0ne00000001%2Fregistrations%2Fdev-1&")
}

func TestProvisioningSessionOpenRollsBack(t *testing.T) {
	s, tr := mockProvisioning(t)
	refused := errors.New("connection refused")

	tr.On("SetCredentials", mock.AnythingOfType("string"), mock.MatchedBy(isToken)).Once()
	tr.On("Incoming", topic.ProvisioningResponseFilter).Return(make(chan transport.Message)).Maybe()
	tr.On("Connect", mock.Anything).Return(refused).Once()
	tr.On("IsConnected").Return(false)

	err := s.Open(context.Background())
	assert.ErrorIs(t, err, refused)
	tr.AssertNotCalled(t, "Disconnect", mock.Anything)
	assert.False(t, s.provider.IsRunning())
}

func TestProvisioningSessionPublishFailure(t *testing.T) {
	s, tr := mockProvisioning(t)
	publishErr := errors.New("publish not acknowledged")
	disconnected := make(chan struct{})

	tr.On("SetCredentials", mock.Anything, mock.Anything).Once()
	tr.On("Incoming", topic.ProvisioningResponseFilter).Return(make(chan transport.Message)).Maybe()
	tr.On("Connect", mock.Anything).Return(nil).Once()
	tr.On("IsConnected").Return(true)
	tr.On("Disconnected").Return(disconnected)
	tr.On("Subscribe", mock.Anything, topic.ProvisioningResponseFilter).Return(nil).Once()
	tr.On("Publish", mock.Anything, mock.MatchedBy(func(t string) bool {
		return strings.HasPrefix(t, "$dps/registrations/PUT/iotdps-register/?$rid=")
	}), mock.Anything).Return(publishErr).Once()

	require.NoError(t, s.Open(context.Background()))

	_, err := s.Register(context.Background(), nil)
	assert.ErrorIs(t, err, publishErr)
	assert.Zero(t, s.Client().PendingRequests())

	tr.On("Disconnect", mock.Anything).Return(nil).Once()
	require.NoError(t, s.Close(context.Background()))
}
