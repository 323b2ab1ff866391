package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/store/storetest"
)

type recordingPublisher struct {
	channel string
	events  []Event
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, message any) error {
	p.channel = channel
	if ev, ok := message.(Event); ok {
		p.events = append(p.events, ev)
	}
	return p.err
}

func TestServiceRecordAndList(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc, err := NewService(storetest.New(t), nil, WithPublisher(pub, "perp:events"))
	require.NoError(t, err)

	svc.Emit(ctx, string(EventPositionOpened), map[string]any{"symbol": "BTC"})
	svc.Emit(ctx, string(EventBreakerChanged), map[string]any{"triggered": true})

	all, err := svc.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, EventBreakerChanged, all[0].Type, "最新事件在前")

	opened, err := svc.ListEvents(ctx, EventPositionOpened, 10)
	require.NoError(t, err)
	require.Len(t, opened, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(opened[0].Payload, &payload))
	assert.Equal(t, "BTC", payload["symbol"])

	assert.Equal(t, "perp:events", pub.channel)
	assert.Len(t, pub.events, 2)
}

func TestServicePublishFailureDoesNotLoseEvent(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(storetest.New(t), nil, WithPublisher(&recordingPublisher{err: errors.New("down")}, "x"))
	require.NoError(t, err)

	id, err := svc.Record(ctx, EventModeChanged, map[string]string{"mode": "exit_only"})
	require.NoError(t, err)
	assert.Positive(t, id)
}

func TestServiceRecordError(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(storetest.New(t), nil)
	require.NoError(t, err)

	svc.RecordError(ctx, "周期失败", errors.New("boom"), map[string]any{"symbol": "ETH"})
	events, err := svc.ListEvents(ctx, EventError, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "boom", payload.Error)
	assert.Equal(t, "ETH", payload.Context["symbol"])
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(storetest.New(t), nil)
	require.NoError(t, err)

	require.NoError(t, svc.AppendAudit(ctx, OrderRef(7), "submitted", map[string]any{"size": 0.5}))
	require.NoError(t, svc.AppendAudit(ctx, OrderRef(7), "filled", nil))
	require.NoError(t, svc.AppendAudit(ctx, PositionRef(7), "opened", nil))

	trail, err := svc.AuditTrail(ctx, OrderRef(7))
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "submitted", trail[0].Action)
	assert.JSONEq(t, `{"size":0.5}`, string(trail[0].Detail))
	assert.Equal(t, "filled", trail[1].Action)
	assert.Nil(t, trail[1].Detail)

	positions, err := svc.AuditTrail(ctx, PositionRef(7))
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestAuditRejectsUnknownKind(t *testing.T) {
	svc, err := NewService(storetest.New(t), nil)
	require.NoError(t, err)

	err = svc.AppendAudit(context.Background(), Ref{Kind: "decision", ID: 1}, "x", nil)
	require.Error(t, err)
	err = svc.AppendAudit(context.Background(), OrderRef(0), "x", nil)
	require.Error(t, err)
}
