//go:build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/config"
)

func TestRedisDailyCounter(t *testing.T) {
	addr := os.Getenv("PERP_REDIS_ADDR")
	if addr == "" {
		t.Skip("PERP_REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}

	ctx := context.Background()
	r, err := NewRedis(ctx, config.RedisConfig{Addr: addr, Prefix: "perp-pilot-test"}, nil)
	require.NoError(t, err)
	defer r.Close()

	day := "2026-01-02"
	require.NoError(t, r.Reset(ctx, day))

	expire := time.Now().Add(time.Minute)
	_, err = r.Add(ctx, day, decimal.RequireFromString("120.5"), expire)
	require.NoError(t, err)
	total, err := r.Add(ctx, day, decimal.RequireFromString("79.5"), expire)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(200)))

	got, err := r.Get(ctx, day)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(200)))

	ttl := r.client.TTL(ctx, r.key("daily_loss", day)).Val()
	assert.Greater(t, ttl, time.Duration(0))
	require.NoError(t, r.Reset(ctx, day))
}

func TestRedisPublishUsesSinglePrefix(t *testing.T) {
	addr := os.Getenv("PERP_REDIS_ADDR")
	if addr == "" {
		t.Skip("PERP_REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := NewRedis(ctx, config.RedisConfig{Addr: addr, Prefix: "perp-pilot-test"}, nil)
	require.NoError(t, err)
	defer r.Close()

	sub := r.client.Subscribe(ctx, "perp-pilot-test:events")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Publish(ctx, EventsChannel, map[string]string{"type": "mode_changed"}))
	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "perp-pilot-test:events", msg.Channel)
	assert.JSONEq(t, `{"type":"mode_changed"}`, msg.Payload)
}
