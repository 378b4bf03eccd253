package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockEventBridge struct {
	mock.Mock
}

func (m *mockEventBridge) PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*eventbridge.PutEventsOutput)
	return out, args.Error(1)
}

func sealed(t *testing.T, n int) []events.Envelope {
	t.Helper()
	id := valueobjects.NewGraphID()
	evts := []events.DomainEvent{events.GraphCreated{GraphID: id, Name: "g", Tags: []string{}}}
	for len(evts) < n {
		evts = append(evts, events.GraphRenamed{OldName: "g", NewName: "g"})
	}
	envs, err := events.Seal(id, events.Genesis(), evts, events.Metadata{CorrelationID: "corr"}, time.Now())
	require.NoError(t, err)
	return envs
}

func TestExport_BatchesOfTen(t *testing.T) {
	client := new(mockEventBridge)
	p := NewEventBridgePublisher(client, "bus", zap.NewNop())
	envs := sealed(t, 23)

	var sizes []int
	client.On("PutEvents", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sizes = append(sizes, len(args.Get(1).(*eventbridge.PutEventsInput).Entries))
	}).Return(&eventbridge.PutEventsOutput{}, nil)

	require.NoError(t, p.Export(context.Background(), envs))
	assert.Equal(t, []int{10, 10, 3}, sizes)
}

func TestExport_DetailCarriesChainFields(t *testing.T) {
	client := new(mockEventBridge)
	p := NewEventBridgePublisher(client, "bus", zap.NewNop())
	envs := sealed(t, 2)

	var entries []types.PutEventsRequestEntry
	client.On("PutEvents", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		entries = args.Get(1).(*eventbridge.PutEventsInput).Entries
	}).Return(&eventbridge.PutEventsOutput{}, nil)
	require.NoError(t, p.Export(context.Background(), envs))

	require.Len(t, entries, 2)
	var d Detail
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(entries[1].Detail)), &d))
	assert.Equal(t, uint64(2), d.Sequence)
	assert.Equal(t, envs[1].Hash, d.Hash)
	assert.Equal(t, envs[0].Hash, d.PrevHash)
	assert.Equal(t, "corr", d.CorrelationID)
	assert.JSONEq(t, string(envs[1].RawPayload), string(d.Payload))
	assert.Equal(t, string(events.TypeGraphRenamed), aws.ToString(entries[1].DetailType))
	assert.Equal(t, Source, aws.ToString(entries[1].Source))
}

func TestExport_Failures(t *testing.T) {
	tests := []struct {
		name string
		out  *eventbridge.PutEventsOutput
		err  error
	}{
		{name: "call fails", err: errors.New("throttled")},
		{name: "partial failure", out: &eventbridge.PutEventsOutput{
			FailedEntryCount: 1,
			Entries:          []types.PutEventsResultEntry{{EventId: aws.String("ok")}, {ErrorCode: aws.String("InternalFailure")}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(mockEventBridge)
			client.On("PutEvents", mock.Anything, mock.Anything).Return(tt.out, tt.err)
			err := NewEventBridgePublisher(client, "bus", zap.NewNop()).Export(context.Background(), sealed(t, 2))
			assert.Error(t, err)
		})
	}
}
