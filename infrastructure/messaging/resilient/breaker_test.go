package resilient

import (
	"context"
	"errors"
	"testing"
	"time"

	"graphcore/domain/events"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Export(ctx context.Context, envs []events.Envelope) error {
	return m.Called(ctx, envs).Error(0)
}

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.MinRequests = 2
	cfg.Timeout = time.Hour
	return cfg
}

func TestSink_OpensAfterFailures(t *testing.T) {
	inner := new(mockSink)
	inner.On("Export", mock.Anything, mock.Anything).Return(errors.New("down"))

	var transitions []gobreaker.State
	s := NewSink(inner, testConfig(), zap.NewNop(), func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	})

	assert.Error(t, s.Export(context.Background(), nil))
	assert.Error(t, s.Export(context.Background(), nil))
	assert.Equal(t, gobreaker.StateOpen, s.State())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	err := s.Export(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSinkUnavailable)
	inner.AssertNumberOfCalls(t, "Export", 2)
}

func TestSink_PassesThroughWhenHealthy(t *testing.T) {
	inner := new(mockSink)
	inner.On("Export", mock.Anything, mock.Anything).Return(nil)
	s := NewSink(inner, testConfig(), zap.NewNop(), nil)

	for i := 0; i < 10; i++ {
		assert.NoError(t, s.Export(context.Background(), nil))
	}
	assert.Equal(t, gobreaker.StateClosed, s.State())
}

func TestSink_CancellationDoesNotTrip(t *testing.T) {
	inner := new(mockSink)
	inner.On("Export", mock.Anything, mock.Anything).Return(context.Canceled)
	s := NewSink(inner, testConfig(), zap.NewNop(), nil)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, s.Export(context.Background(), nil), context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, s.State())
}
