package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// UserRepository 用户仓库（推送 token 与内嵌通知列表所在的 users 表）
type UserRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewUserRepository 创建用户仓库
func NewUserRepository(db *sql.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		db:     db,
		logger: logger,
	}
}

// TokensForUser 返回用户注册的全部推送 token（可能为空）
func (r *UserRepository) TokensForUser(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `SELECT expo_push_tokens FROM users WHERE user_id = $1`

	var tokens pq.StringArray
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&tokens)
	if err != nil {
		if err == sql.ErrNoRows {
			// 用户行不存在等同于没有注册任何 token
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get push tokens: %w", err)
	}

	return []string(tokens), nil
}

// RegisterToken 注册推送 token（幂等：重复注册同一 token 不产生重复项）
// token 格式不在此校验，发送前由推送客户端过滤非法格式
func (r *UserRepository) RegisterToken(ctx context.Context, userID, token string) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if token == "" {
		return fmt.Errorf("token is required")
	}

	query := `
		INSERT INTO users (user_id, expo_push_tokens, recent_notifications)
		VALUES ($1, ARRAY[$2], '[]'::jsonb)
		ON CONFLICT (user_id) DO UPDATE
		SET expo_push_tokens = (
			SELECT array_agg(DISTINCT t)
			FROM unnest(users.expo_push_tokens || EXCLUDED.expo_push_tokens) AS t
		)
	`

	if _, err := r.db.ExecContext(ctx, query, userID, token); err != nil {
		return fmt.Errorf("failed to register push token: %w", err)
	}

	r.logger.Debug("Push token registered",
		zap.String("user_id", userID),
	)

	return nil
}
