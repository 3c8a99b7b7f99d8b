package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/hublink/hublink-go/pkg/transport"
)

// Transport is a testify mock of transport.Transport.
type Transport struct {
	mock.Mock
}

// NewTransport creates a Transport mock whose expectations are asserted
// when the test ends.
func NewTransport(t interface {
	mock.TestingT
	Cleanup(func())
}) *Transport {
	m := &Transport{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Transport) SetCredentials(username, password string) {
	m.Called(username, password)
}

func (m *Transport) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Transport) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	return m.Called(ctx, topic, payload).Error(0)
}

func (m *Transport) Subscribe(ctx context.Context, filter string) error {
	return m.Called(ctx, filter).Error(0)
}

func (m *Transport) Unsubscribe(ctx context.Context, filter string) error {
	return m.Called(ctx, filter).Error(0)
}

func (m *Transport) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *Transport) Incoming(filter string) <-chan transport.Message {
	ret := m.Called(filter)
	switch ch := ret.Get(0).(type) {
	case chan transport.Message:
		return ch
	case <-chan transport.Message:
		return ch
	}
	return nil
}

func (m *Transport) Disconnected() <-chan struct{} {
	ret := m.Called()
	switch ch := ret.Get(0).(type) {
	case chan struct{}:
		return ch
	case <-chan struct{}:
		return ch
	}
	return nil
}

func (m *Transport) PreviousDisconnectCause() error {
	return m.Called().Error(0)
}

var _ transport.Transport = (*Transport)(nil)
