package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/4peng/Udara-sub000/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DefaultRecentLimit 用户内嵌通知列表的长度上限（FIFO 淘汰最旧的）
const DefaultRecentLimit = 50

// NotificationPage 通知分页结果
type NotificationPage struct {
	Notifications []models.UserNotification
	Total         int
	Limit         int
	Skip          int
	HasMore       bool
	UnreadCount   int
}

// NotificationRepository 通知仓库
//
// 同一条逻辑告警存在两份物理表示：
//   - notifications 表：独立只追加日志，时间戳以此为准（source of truth）
//   - users.recent_notifications：内嵌在用户行的定长列表（最近 50 条），相当于按用户缓存
//
// Append 及各读写操作在同一事务内同时维护两份表示，消除双写竞态；
// 读取时仍按 notification_id 合并去重（内嵌列表可能残留日志里已不存在的条目）
type NotificationRepository struct {
	db          *sql.DB
	logger      *zap.Logger
	recentLimit int
}

// NewNotificationRepository 创建通知仓库，recentLimit <= 0 时使用 DefaultRecentLimit
func NewNotificationRepository(db *sql.DB, logger *zap.Logger, recentLimit int) *NotificationRepository {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	return &NotificationRepository{
		db:          db,
		logger:      logger,
		recentLimit: recentLimit,
	}
}

// Append 持久化一条通知
// 每个接收人写一行日志并向其内嵌列表头部追加一条；全部写入在一个事务内，
// 任一失败整体回滚（逻辑上是一次操作）
func (r *NotificationRepository) Append(ctx context.Context, n *models.Notification) error {
	if n == nil {
		return fmt.Errorf("notification is required")
	}
	if n.NotificationID == "" {
		return fmt.Errorf("notification_id is required")
	}
	if len(n.Recipients) == 0 {
		return fmt.Errorf("notification requires at least one recipient")
	}

	triggerJSON, err := json.Marshal(n.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	contentJSON, err := json.Marshal(n.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO notifications (
			notification_id, user_id, trigger, content, channels,
			status, error, sent_at, read_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for _, rcpt := range n.Recipients {
		var errStr sql.NullString
		if rcpt.Error != "" {
			errStr = sql.NullString{String: rcpt.Error, Valid: true}
		}

		_, err := tx.ExecContext(ctx, insertQuery,
			n.NotificationID,
			rcpt.UserID,
			triggerJSON,
			contentJSON,
			pq.Array(rcpt.Channels),
			rcpt.Status,
			errStr,
			rcpt.SentAt,
			rcpt.ReadAt,
			n.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert notification log: %w", err)
		}

		entry := models.UserNotification{
			NotificationID: n.NotificationID,
			Trigger:        n.Trigger,
			Content:        n.Content,
			Status:         rcpt.Status,
			Channels:       rcpt.Channels,
			Error:          rcpt.Error,
			Read:           rcpt.ReadAt != nil,
			CreatedAt:      n.CreatedAt,
		}
		if err := r.appendEmbedded(ctx, tx, rcpt.UserID, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit notification: %w", err)
	}

	return nil
}

// appendEmbedded 向用户内嵌列表头部追加一条，超过上限的尾部条目淘汰
func (r *NotificationRepository) appendEmbedded(ctx context.Context, tx *sql.Tx, userID string, entry models.UserNotification) error {
	entryJSON, err := json.Marshal([]models.UserNotification{entry})
	if err != nil {
		return fmt.Errorf("failed to marshal embedded notification: %w", err)
	}

	query := `
		INSERT INTO users (user_id, expo_push_tokens, recent_notifications)
		VALUES ($1, '{}', $2::jsonb)
		ON CONFLICT (user_id) DO UPDATE
		SET recent_notifications = (
			SELECT COALESCE(jsonb_agg(elem ORDER BY ord), '[]'::jsonb)
			FROM (
				SELECT elem, ord
				FROM jsonb_array_elements($2::jsonb || COALESCE(users.recent_notifications, '[]'::jsonb))
					WITH ORDINALITY AS t(elem, ord)
				ORDER BY ord
				LIMIT $3
			) s
		)
	`

	if _, err := tx.ExecContext(ctx, query, userID, entryJSON, r.recentLimit); err != nil {
		return fmt.Errorf("failed to append embedded notification: %w", err)
	}

	return nil
}

// ListForUser 分页查询用户通知（新的在前）
// 两份物理表示按 notification_id 合并去重后再分页；
// unreadOnly=true 只返回未读，但 UnreadCount 始终基于全量
func (r *NotificationRepository) ListForUser(ctx context.Context, userID string, limit, skip int, unreadOnly bool) (*NotificationPage, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if limit <= 0 {
		limit = 20
	}
	if skip < 0 {
		skip = 0
	}

	merged, err := r.fetchMerged(ctx, userID)
	if err != nil {
		return nil, err
	}

	unreadCount := 0
	for _, n := range merged {
		if !n.Read {
			unreadCount++
		}
	}

	filtered := merged
	if unreadOnly {
		filtered = make([]models.UserNotification, 0, unreadCount)
		for _, n := range merged {
			if !n.Read {
				filtered = append(filtered, n)
			}
		}
	}

	total := len(filtered)
	start := skip
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &NotificationPage{
		Notifications: filtered[start:end],
		Total:         total,
		Limit:         limit,
		Skip:          skip,
		HasMore:       end < total,
		UnreadCount:   unreadCount,
	}, nil
}

// CountUnread 合并后的未读数量
func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user_id is required")
	}

	merged, err := r.fetchMerged(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, n := range merged {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkRead 标记单条已读（同事务维护两份表示）
func (r *NotificationRepository) MarkRead(ctx context.Context, userID, notificationID string) error {
	if userID == "" || notificationID == "" {
		return fmt.Errorf("user_id and notification_id are required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	logQuery := `
		UPDATE notifications
		SET read_at = $3
		WHERE user_id = $1 AND notification_id = $2 AND read_at IS NULL
	`
	if _, err := tx.ExecContext(ctx, logQuery, userID, notificationID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}

	embeddedQuery := `
		UPDATE users
		SET recent_notifications = (
			SELECT COALESCE(jsonb_agg(
				CASE WHEN elem->>'notificationId' = $2
					THEN jsonb_set(elem, '{read}', 'true'::jsonb)
					ELSE elem
				END ORDER BY ord), '[]'::jsonb)
			FROM jsonb_array_elements(COALESCE(users.recent_notifications, '[]'::jsonb))
				WITH ORDINALITY AS t(elem, ord)
		)
		WHERE user_id = $1
	`
	if _, err := tx.ExecContext(ctx, embeddedQuery, userID, notificationID); err != nil {
		return fmt.Errorf("failed to mark embedded notification read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark read: %w", err)
	}

	return nil
}

// MarkAllRead 标记用户全部通知已读
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	logQuery := `
		UPDATE notifications
		SET read_at = $2
		WHERE user_id = $1 AND read_at IS NULL
	`
	if _, err := tx.ExecContext(ctx, logQuery, userID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark all notifications read: %w", err)
	}

	embeddedQuery := `
		UPDATE users
		SET recent_notifications = (
			SELECT COALESCE(jsonb_agg(jsonb_set(elem, '{read}', 'true'::jsonb) ORDER BY ord), '[]'::jsonb)
			FROM jsonb_array_elements(COALESCE(users.recent_notifications, '[]'::jsonb))
				WITH ORDINALITY AS t(elem, ord)
		)
		WHERE user_id = $1
	`
	if _, err := tx.ExecContext(ctx, embeddedQuery, userID); err != nil {
		return fmt.Errorf("failed to mark all embedded notifications read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark all read: %w", err)
	}

	return nil
}

// Delete 删除单条通知（两份表示同时删除）
func (r *NotificationRepository) Delete(ctx context.Context, userID, notificationID string) error {
	if userID == "" || notificationID == "" {
		return fmt.Errorf("user_id and notification_id are required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	logQuery := `DELETE FROM notifications WHERE user_id = $1 AND notification_id = $2`
	if _, err := tx.ExecContext(ctx, logQuery, userID, notificationID); err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}

	embeddedQuery := `
		UPDATE users
		SET recent_notifications = (
			SELECT COALESCE(jsonb_agg(elem ORDER BY ord), '[]'::jsonb)
			FROM jsonb_array_elements(COALESCE(users.recent_notifications, '[]'::jsonb))
				WITH ORDINALITY AS t(elem, ord)
			WHERE elem->>'notificationId' <> $2
		)
		WHERE user_id = $1
	`
	if _, err := tx.ExecContext(ctx, embeddedQuery, userID, notificationID); err != nil {
		return fmt.Errorf("failed to delete embedded notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	return nil
}

// ClearAll 清空用户全部通知
func (r *NotificationRepository) ClearAll(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	logQuery := `DELETE FROM notifications WHERE user_id = $1`
	if _, err := tx.ExecContext(ctx, logQuery, userID); err != nil {
		return fmt.Errorf("failed to clear notifications: %w", err)
	}

	embeddedQuery := `UPDATE users SET recent_notifications = '[]'::jsonb WHERE user_id = $1`
	if _, err := tx.ExecContext(ctx, embeddedQuery, userID); err != nil {
		return fmt.Errorf("failed to clear embedded notifications: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear all: %w", err)
	}

	return nil
}

// fetchMerged 读取两份物理表示并合并去重
func (r *NotificationRepository) fetchMerged(ctx context.Context, userID string) ([]models.UserNotification, error) {
	logEntries, err := r.fetchLog(ctx, userID)
	if err != nil {
		return nil, err
	}
	embedded, err := r.fetchEmbedded(ctx, userID)
	if err != nil {
		return nil, err
	}
	return mergeNotifications(logEntries, embedded), nil
}

// fetchLog 读取独立日志中的用户通知（新的在前）
func (r *NotificationRepository) fetchLog(ctx context.Context, userID string) ([]models.UserNotification, error) {
	query := `
		SELECT notification_id, trigger, content, channels, status, error, read_at, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	entries := make([]models.UserNotification, 0)
	for rows.Next() {
		var entry models.UserNotification
		var triggerJSON, contentJSON []byte
		var channels pq.StringArray
		var errStr sql.NullString
		var readAt sql.NullTime

		if err := rows.Scan(
			&entry.NotificationID,
			&triggerJSON,
			&contentJSON,
			&channels,
			&entry.Status,
			&errStr,
			&readAt,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}

		if len(triggerJSON) > 0 {
			if err := json.Unmarshal(triggerJSON, &entry.Trigger); err != nil {
				return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
			}
		}
		if len(contentJSON) > 0 {
			if err := json.Unmarshal(contentJSON, &entry.Content); err != nil {
				return nil, fmt.Errorf("failed to unmarshal content: %w", err)
			}
		}
		entry.Channels = []string(channels)
		if errStr.Valid {
			entry.Error = errStr.String
		}
		entry.Read = readAt.Valid

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	return entries, nil
}

// fetchEmbedded 读取用户内嵌通知列表
func (r *NotificationRepository) fetchEmbedded(ctx context.Context, userID string) ([]models.UserNotification, error) {
	query := `SELECT recent_notifications FROM users WHERE user_id = $1`

	var raw []byte
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get embedded notifications: %w", err)
	}

	if len(raw) == 0 {
		return nil, nil
	}

	var entries []models.UserNotification
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded notifications: %w", err)
	}

	return entries, nil
}

// mergeNotifications 合并两份物理表示
// 按 notification_id 去重：同一 ID 两边都有时以独立日志为准
//（字段更全，且服务间时钟偏差时日志时间戳是 source of truth）；
// 合并结果按时间降序，排序稳定
func mergeNotifications(logEntries, embedded []models.UserNotification) []models.UserNotification {
	seen := make(map[string]struct{}, len(logEntries))
	merged := make([]models.UserNotification, 0, len(logEntries)+len(embedded))

	for _, entry := range logEntries {
		seen[entry.NotificationID] = struct{}{}
		merged = append(merged, entry)
	}
	for _, entry := range embedded {
		if _, ok := seen[entry.NotificationID]; ok {
			continue
		}
		merged = append(merged, entry)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})

	return merged
}
