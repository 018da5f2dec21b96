// Package consumer 读数摄入适配器
// 轮询源和实时流两种形态都只做一件事：把读数喂给派发器的单一入口
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/4peng/Udara-sub000/internal/models"

	"go.uber.org/zap"
)

// Handler 派发入口（dispatcher.Dispatcher 实现）
type Handler interface {
	OnNewReading(ctx context.Context, reading *models.Reading) error
}

// ReadingSource 轮询数据源（repository.ReadingRepository 实现）
type ReadingSource interface {
	LatestPerDevice(ctx context.Context, since time.Time) ([]models.Reading, error)
}

// PollConsumer 轮询消费者
// 固定间隔拉取每个设备的最新读数；超出新鲜度窗口的读数静默忽略
//（过期数据不是错误，只是不值得告警）
type PollConsumer struct {
	source    ReadingSource
	handler   Handler
	interval  time.Duration
	freshness time.Duration
	logger    *zap.Logger
}

// NewPollConsumer 创建轮询消费者
// interval 默认 5 分钟，freshness 默认 20 分钟
func NewPollConsumer(source ReadingSource, handler Handler, interval, freshness time.Duration, logger *zap.Logger) *PollConsumer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if freshness <= 0 {
		freshness = 20 * time.Minute
	}
	return &PollConsumer{
		source:    source,
		handler:   handler,
		interval:  interval,
		freshness: freshness,
		logger:    logger,
	}
}

// Start 启动轮询循环（阻塞直到 ctx 取消）
func (c *PollConsumer) Start(ctx context.Context) error {
	c.logger.Info("Poll consumer started",
		zap.Duration("interval", c.interval),
		zap.Duration("freshness", c.freshness),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// 启动时立即执行一轮
	if err := c.pollOnce(ctx); err != nil {
		c.logger.Error("Failed to poll readings on startup",
			zap.Error(err),
		)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Poll consumer stopped")
			return nil
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				c.logger.Error("Failed to poll readings",
					zap.Error(err),
				)
				// 继续下一轮，不中断
			}
		}
	}
}

// pollOnce 拉取并处理一轮读数
func (c *PollConsumer) pollOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-c.freshness)

	readings, err := c.source.LatestPerDevice(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to fetch latest readings: %w", err)
	}

	c.logger.Debug("Polled readings",
		zap.Int("reading_count", len(readings)),
	)

	for i := range readings {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reading := readings[i]
		if reading.Timestamp.Before(cutoff) {
			// 数据源通常已按 since 过滤，这里兜底一层
			continue
		}

		if err := c.handler.OnNewReading(ctx, &reading); err != nil {
			c.logger.Error("Failed to process reading",
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
			// 错误隔离按读数：继续处理其它设备
		}
	}

	return nil
}
