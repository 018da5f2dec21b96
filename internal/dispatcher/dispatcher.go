// Package dispatcher 告警派发器：管线的编排核心
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/4peng/Udara-sub000/internal/cooldown"
	"github.com/4peng/Udara-sub000/internal/evaluator"
	"github.com/4peng/Udara-sub000/internal/models"
	"github.com/4peng/Udara-sub000/internal/push"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultWorkers 订阅者扇出的默认并发上限
const DefaultWorkers = 8

// DeviceStore 设备查询接口
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// SubscriptionStore 订阅查询接口
type SubscriptionStore interface {
	GetActiveByDevice(ctx context.Context, deviceID string) ([]models.Subscription, error)
}

// NotificationStore 通知持久化接口
type NotificationStore interface {
	Append(ctx context.Context, n *models.Notification) error
}

// TokenStore 推送 token 查询接口
type TokenStore interface {
	TokensForUser(ctx context.Context, userID string) ([]string, error)
}

// PushSender 推送网关接口
type PushSender interface {
	Send(ctx context.Context, batch []push.Message) []push.Outcome
}

// Dispatcher 告警派发器
// 唯一入口 OnNewReading：轮询源和实时流都汇入这里，评估/派发逻辑不重复实现
type Dispatcher struct {
	devices       DeviceStore
	subscriptions SubscriptionStore
	notifications NotificationStore
	tokens        TokenStore
	push          PushSender
	cooldown      *cooldown.Tracker
	logger        *zap.Logger
	workers       int
}

// NewDispatcher 创建派发器，workers <= 0 时使用 DefaultWorkers
func NewDispatcher(
	devices DeviceStore,
	subscriptions SubscriptionStore,
	notifications NotificationStore,
	tokens TokenStore,
	pushSender PushSender,
	tracker *cooldown.Tracker,
	workers int,
	logger *zap.Logger,
) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		devices:       devices,
		subscriptions: subscriptions,
		notifications: notifications,
		tokens:        tokens,
		push:          pushSender,
		cooldown:      tracker,
		logger:        logger,
		workers:       workers,
	}
}

// OnNewReading 处理一条新读数
// 查找失败只中止这一条读数的处理（错误隔离按读数），不影响其它读数；
// 单个订阅者的派发失败不会中止其他订阅者
func (d *Dispatcher) OnNewReading(ctx context.Context, reading *models.Reading) error {
	if reading == nil || reading.DeviceID == "" {
		return fmt.Errorf("reading with device_id is required")
	}

	device, err := d.devices.GetDevice(ctx, reading.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to resolve device %s: %w", reading.DeviceID, err)
	}
	if device == nil || !device.IsActive {
		// 未知或停用设备的读数静默丢弃，只记日志
		d.logger.Debug("Reading dropped: unknown or inactive device",
			zap.String("device_id", reading.DeviceID),
		)
		return nil
	}

	subscriptions, err := d.subscriptions.GetActiveByDevice(ctx, reading.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to query subscriptions for device %s: %w", reading.DeviceID, err)
	}
	if len(subscriptions) == 0 {
		return nil
	}

	// 订阅者扇出：有界并发
	// 同一用户冷却键上的竞态由 Tracker.CheckAndRecord 原子裁决
	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	for i := range subscriptions {
		sub := subscriptions[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatchForUser(ctx, device, reading, &sub)
		}()
	}
	wg.Wait()

	return nil
}

// dispatchForUser 评估并派发单个订阅者的告警
func (d *Dispatcher) dispatchForUser(ctx context.Context, device *models.Device, reading *models.Reading, sub *models.Subscription) {
	result := evaluator.Evaluate(reading, sub)
	if result == nil {
		return
	}

	now := time.Now()
	key := cooldown.Key{
		UserID:   sub.UserID,
		DeviceID: device.DeviceID,
		Severity: result.Driver.Severity,
	}

	// 派发决定和冷却记录是一步原子操作：
	// 推送之后失败也不回滚冷却，窗口内不重试（避免重试风暴），
	// 持续超标会在窗口结束后重新派发
	if !d.cooldown.CheckAndRecord(key, now) {
		d.logger.Debug("Alert suppressed by cooldown",
			zap.String("user_id", sub.UserID),
			zap.String("device_id", device.DeviceID),
			zap.String("severity", string(result.Driver.Severity)),
		)
		return
	}

	notification := d.buildNotification(device, sub, result, now)
	d.deliverAndPersist(ctx, notification)
}

// buildNotification 构造通知记录（单接收人，pending 状态）
func (d *Dispatcher) buildNotification(device *models.Device, sub *models.Subscription, result *evaluator.Result, now time.Time) *models.Notification {
	driver := result.Driver
	unit := sub.Thresholds[driver.Metric].Unit
	if unit == "" {
		unit = "µg/m³"
	}

	severityLabel := "Warning"
	if driver.Severity == models.SeverityCritical {
		severityLabel = "Critical"
	}

	// 文案必须点名设备和驱动污染物，不能只报一个笼统的 AQI
	subject := fmt.Sprintf("%s air quality alert at %s", severityLabel, device.Name)
	message := fmt.Sprintf("%s at %s reached %.1f %s (threshold %.1f %s)",
		models.PollutantDisplayName(driver.Metric), device.Name,
		driver.Value, unit, driver.Threshold, unit,
	)

	return &models.Notification{
		NotificationID: uuid.NewString(),
		Trigger: models.Trigger{
			Type:      models.TriggerThresholdExceeded,
			DeviceID:  device.DeviceID,
			Metric:    driver.Metric,
			Value:     driver.Value,
			Threshold: driver.Threshold,
			Severity:  driver.Severity,
		},
		Recipients: []models.Recipient{
			{
				UserID:   sub.UserID,
				Channels: []string{models.ChannelInApp},
				Status:   models.DeliveryPending,
			},
		},
		Content: models.Content{
			Subject:    subject,
			Message:    message,
			Violations: result.Violations,
		},
		CreatedAt: now,
	}
}

// deliverAndPersist 尝试推送并持久化
// 推送失败只记录在接收人上，通知记录照常持久化：丢推送不能丢告警
func (d *Dispatcher) deliverAndPersist(ctx context.Context, n *models.Notification) {
	rcpt := &n.Recipients[0]
	now := time.Now()

	tokens, err := d.tokens.TokensForUser(ctx, rcpt.UserID)
	if err != nil {
		// token 查询失败按"无 token"降级：告警仍写入应用内列表
		d.logger.Warn("Failed to look up push tokens, delivering in-app only",
			zap.String("user_id", rcpt.UserID),
			zap.Error(err),
		)
		tokens = nil
	}

	if len(tokens) == 0 {
		// 没有推送目标：sent 在这里指"已写入应用内通知列表"
		rcpt.Status = models.DeliverySent
		rcpt.SentAt = &now
	} else {
		messages := make([]push.Message, 0, len(tokens))
		for _, token := range tokens {
			messages = append(messages, push.Message{
				To:    token,
				Title: n.Content.Subject,
				Body:  n.Content.Message,
				Data: map[string]string{
					"notificationId": n.NotificationID,
					"deviceId":       n.Trigger.DeviceID,
					"metric":         n.Trigger.Metric,
					"severity":       string(n.Trigger.Severity),
				},
			})
		}

		outcomes := d.push.Send(ctx, messages)
		delivered := false
		firstError := ""
		for _, outcome := range outcomes {
			if outcome.OK {
				delivered = true
			} else if firstError == "" {
				firstError = outcome.Error
			}
		}

		if delivered {
			rcpt.Status = models.DeliverySent
			rcpt.Channels = append(rcpt.Channels, models.ChannelPush)
			rcpt.SentAt = &now
		} else {
			rcpt.Status = models.DeliveryFailed
			rcpt.Error = firstError
		}
	}

	if err := d.notifications.Append(ctx, n); err != nil {
		// 持久化失败重试一次；仍失败只能大声记录
		//（冷却已记录，持续超标会在窗口后重新派发）
		d.logger.Warn("Failed to persist notification, retrying",
			zap.String("notification_id", n.NotificationID),
			zap.Error(err),
		)
		if err := d.notifications.Append(ctx, n); err != nil {
			d.logger.Error("Failed to persist notification after retry, alert lost",
				zap.String("notification_id", n.NotificationID),
				zap.String("user_id", rcpt.UserID),
				zap.Error(err),
			)
			return
		}
	}

	d.logger.Info("Alert dispatched",
		zap.String("notification_id", n.NotificationID),
		zap.String("user_id", rcpt.UserID),
		zap.String("device_id", n.Trigger.DeviceID),
		zap.String("metric", n.Trigger.Metric),
		zap.String("severity", string(n.Trigger.Severity)),
		zap.String("delivery_status", rcpt.Status),
	)
}

// SendTest 运维工具：绕过评估直接给用户发一条测试通知
// 走与正常告警相同的推送与持久化路径
func (d *Dispatcher) SendTest(ctx context.Context, userID, title, body string) (*models.Notification, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if title == "" {
		title = "Test notification"
	}

	now := time.Now()
	notification := &models.Notification{
		NotificationID: uuid.NewString(),
		Trigger: models.Trigger{
			Type: models.TriggerTest,
		},
		Recipients: []models.Recipient{
			{
				UserID:   userID,
				Channels: []string{models.ChannelInApp},
				Status:   models.DeliveryPending,
			},
		},
		Content: models.Content{
			Subject: title,
			Message: body,
		},
		CreatedAt: now,
	}

	d.deliverAndPersist(ctx, notification)
	return notification, nil
}
