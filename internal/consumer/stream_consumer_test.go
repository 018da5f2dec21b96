package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return server, client
}

func addReadingEvent(t *testing.T, client *redis.Client, stream, payload string) {
	t.Helper()
	err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": payload},
	}).Err()
	require.NoError(t, err)
}

func TestStreamConsumer_ConsumesReadings(t *testing.T) {
	_, client := setupTestRedis(t)
	handler := &recordingHandler{}
	consumer := NewStreamConsumer(client, handler, "aq:readings", "alerting", "worker-1", 16, zap.NewNop())

	addReadingEvent(t, client, "aq:readings", `{"deviceId":"D1","pm2_5":150.5}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(handler.received()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	received := handler.received()
	assert.Equal(t, "D1", received[0].DeviceID)
	assert.Equal(t, 150.5, received[0].Values["pm2_5"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("stream consumer did not stop after context cancel")
	}
}

func TestStreamConsumer_DiscardsUnparseableMessages(t *testing.T) {
	_, client := setupTestRedis(t)
	handler := &recordingHandler{}
	consumer := NewStreamConsumer(client, handler, "aq:readings", "alerting", "worker-1", 16, zap.NewNop())

	addReadingEvent(t, client, "aq:readings", `not json`)
	addReadingEvent(t, client, "aq:readings", `{"pm2_5": 10}`) // 缺 deviceId
	addReadingEvent(t, client, "aq:readings", `{"deviceId":"D1","pm2_5":10}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(handler.received()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "D1", handler.received()[0].DeviceID)

	cancel()
	<-done
}

func TestStreamConsumer_EnsureGroupIdempotent(t *testing.T) {
	_, client := setupTestRedis(t)
	consumer := NewStreamConsumer(client, &recordingHandler{}, "aq:readings", "alerting", "worker-1", 16, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, consumer.ensureGroup(ctx))
	// 组已存在（BUSYGROUP）不算错误
	require.NoError(t, consumer.ensureGroup(ctx))
}

func TestStreamConsumer_AcksProcessedMessages(t *testing.T) {
	_, client := setupTestRedis(t)
	handler := &recordingHandler{}
	consumer := NewStreamConsumer(client, handler, "aq:readings", "alerting", "worker-1", 16, zap.NewNop())

	addReadingEvent(t, client, "aq:readings", `{"deviceId":"D1","pm2_5":10}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(handler.received()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	// 处理完的消息已 ACK，pending 列表为空
	pending, err := client.XPending(context.Background(), "aq:readings", "alerting").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}
