package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/4peng/Udara-sub000/internal/models"

	"go.uber.org/zap"
)

// SubscriptionRepository 订阅仓库
// thresholds 列为 JSONB；历史数据里的 `max` 键在 models.ThresholdConfig
// 解码时归一为规范 schema
type SubscriptionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSubscriptionRepository 创建订阅仓库
func NewSubscriptionRepository(db *sql.DB, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:     db,
		logger: logger,
	}
}

// GetActiveByDevice 查询订阅了指定设备的全部活跃订阅
func (r *SubscriptionRepository) GetActiveByDevice(ctx context.Context, deviceID string) ([]models.Subscription, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT user_id, device_id, is_active, thresholds
		FROM subscriptions
		WHERE device_id = $1
		  AND is_active = true
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	return r.scanSubscriptions(rows)
}

// ListByUser 查询用户的全部订阅（含已停用的）
// 没有订阅时返回空列表，不算错误
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]models.Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT user_id, device_id, is_active, thresholds
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY device_id
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	return r.scanSubscriptions(rows)
}

// Subscribe 订阅设备（幂等：已有记录时重新激活并保留既有阈值）
func (r *SubscriptionRepository) Subscribe(ctx context.Context, userID, deviceID string) error {
	if userID == "" || deviceID == "" {
		return fmt.Errorf("user_id and device_id are required")
	}

	query := `
		INSERT INTO subscriptions (user_id, device_id, is_active, thresholds, created_at, updated_at)
		VALUES ($1, $2, true, '{}'::jsonb, $3, $3)
		ON CONFLICT (user_id, device_id)
		DO UPDATE SET is_active = true, updated_at = $3
	`

	if _, err := r.db.ExecContext(ctx, query, userID, deviceID, time.Now()); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	return nil
}

// Unsubscribe 退订设备（软停用，保留阈值配置）
func (r *SubscriptionRepository) Unsubscribe(ctx context.Context, userID, deviceID string) error {
	if userID == "" || deviceID == "" {
		return fmt.Errorf("user_id and device_id are required")
	}

	query := `
		UPDATE subscriptions
		SET is_active = false, updated_at = $3
		WHERE user_id = $1 AND device_id = $2
	`

	if _, err := r.db.ExecContext(ctx, query, userID, deviceID, time.Now()); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	return nil
}

// UpdateThresholds 更新订阅的阈值配置（校验 critical >= warning）
func (r *SubscriptionRepository) UpdateThresholds(ctx context.Context, userID, deviceID string, thresholds map[string]models.ThresholdConfig) error {
	if userID == "" || deviceID == "" {
		return fmt.Errorf("user_id and device_id are required")
	}
	for metric, cfg := range thresholds {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid threshold for %s: %w", metric, err)
		}
	}

	jsonData, err := json.Marshal(thresholds)
	if err != nil {
		return fmt.Errorf("failed to marshal thresholds: %w", err)
	}

	query := `
		UPDATE subscriptions
		SET thresholds = $3, updated_at = $4
		WHERE user_id = $1 AND device_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, userID, deviceID, jsonData, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update thresholds: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("subscription not found: user_id=%s, device_id=%s", userID, deviceID)
	}

	return nil
}

// scanSubscriptions 扫描订阅行，thresholds JSONB 解码失败的行跳过并记日志
func (r *SubscriptionRepository) scanSubscriptions(rows *sql.Rows) ([]models.Subscription, error) {
	subscriptions := make([]models.Subscription, 0)
	for rows.Next() {
		var sub models.Subscription
		var thresholds []byte

		if err := rows.Scan(&sub.UserID, &sub.DeviceID, &sub.IsActive, &thresholds); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}

		sub.Thresholds = make(map[string]models.ThresholdConfig)
		if len(thresholds) > 0 {
			if err := json.Unmarshal(thresholds, &sub.Thresholds); err != nil {
				r.logger.Warn("Failed to unmarshal subscription thresholds, skipping",
					zap.String("user_id", sub.UserID),
					zap.String("device_id", sub.DeviceID),
					zap.Error(err),
				)
				continue
			}
		}

		subscriptions = append(subscriptions, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}

	return subscriptions, nil
}
