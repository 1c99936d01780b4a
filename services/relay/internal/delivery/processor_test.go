package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/event-relay/pkg/events"
	"example.com/event-relay/pkg/jobs"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, event *events.OutboundEvent) (*events.PublishResult, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*events.PublishResult), args.Error(1)
}

func TestEventDeliveryProcessor_Success(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e *events.OutboundEvent) bool {
		return e.EventType == "lead_created" && e.TargetApp == "operations"
	})).Return(&events.PublishResult{EventID: "e-1", RoutingKey: "ops.lead.created"}, nil)

	processor := EventDeliveryProcessor(publisher)

	payload, _ := json.Marshal(&events.OutboundEvent{
		EventID:   "e-1",
		EventType: "lead_created",
		TargetApp: "operations",
	})

	result, err := processor(context.Background(), &jobs.Job{
		JobID:   "j-1",
		Kind:    jobs.KindImmediate,
		Payload: payload,
	})

	require.NoError(t, err)
	assert.Equal(t, "e-1", result.(*events.PublishResult).EventID)
	publisher.AssertExpectations(t)
}

func TestEventDeliveryProcessor_PublishError(t *testing.T) {
	publisher := new(mockPublisher)
	pubErr := errors.New("подтверждение не получено")
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil, pubErr)

	processor := EventDeliveryProcessor(publisher)

	payload, _ := json.Marshal(&events.OutboundEvent{
		EventType: "lead_created",
		TargetApp: "operations",
	})

	_, err := processor(context.Background(), &jobs.Job{JobID: "j-1", Payload: payload})
	assert.ErrorIs(t, err, pubErr)
}

func TestEventDeliveryProcessor_CorruptPayload(t *testing.T) {
	publisher := new(mockPublisher)
	processor := EventDeliveryProcessor(publisher)

	_, err := processor(context.Background(), &jobs.Job{JobID: "j-1", Payload: []byte("не json")})
	require.Error(t, err)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}
