package consumer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/4peng/Udara-sub000/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamConsumer Redis Streams 实时读数消费者（推送形态的摄入源）
// 每条插入对应一个事件；传输层出错按指数退避重连，不会静默失聪
type StreamConsumer struct {
	client    *redis.Client
	handler   Handler
	stream    string
	group     string
	consumer  string
	batchSize int64
	logger    *zap.Logger
}

// NewStreamConsumer 创建 Streams 消费者
func NewStreamConsumer(client *redis.Client, handler Handler, stream, group, consumerName string, batchSize int64, logger *zap.Logger) *StreamConsumer {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &StreamConsumer{
		client:    client,
		handler:   handler,
		stream:    stream,
		group:     group,
		consumer:  consumerName,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start 启动消费循环（阻塞直到 ctx 取消）
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	c.logger.Info("Stream consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.group),
		zap.String("consumer_name", c.consumer),
	)

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stream consumer stopped")
			return nil
		default:
		}

		if err := c.consumeBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume stream, backing off",
				zap.String("stream", c.stream),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		backoff = time.Second
	}
}

// ensureGroup 创建消费者组（stream 不存在时一并创建，组已存在不算错误）
func (c *StreamConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// consumeBatch 阻塞读取并处理一批消息
func (c *StreamConsumer) consumeBatch(ctx context.Context) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    5 * time.Second,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.handleMessage(ctx, msg)
		}
	}

	return nil
}

// handleMessage 处理单条消息
// 解析失败的消息也要 ACK：毒消息留在 pending 列表只会反复重投
func (c *StreamConsumer) handleMessage(ctx context.Context, msg redis.XMessage) {
	payload, ok := msg.Values["data"].(string)
	if !ok {
		c.logger.Warn("Stream message missing data field, discarding",
			zap.String("message_id", msg.ID),
		)
		c.ack(ctx, msg.ID)
		return
	}

	reading, err := models.ParseReadingEvent([]byte(payload))
	if err != nil {
		c.logger.Warn("Failed to parse reading event, discarding",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.handler.OnNewReading(ctx, reading); err != nil {
		c.logger.Error("Failed to process reading from stream",
			zap.String("message_id", msg.ID),
			zap.String("device_id", reading.DeviceID),
			zap.Error(err),
		)
		// 处理失败也 ACK：错误隔离按读数，依赖下一条读数而不是重投
	}

	c.ack(ctx, msg.ID)
}

func (c *StreamConsumer) ack(ctx context.Context, messageID string) {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		c.logger.Warn("Failed to ack stream message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}
