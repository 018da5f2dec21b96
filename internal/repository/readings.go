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

// ReadingRepository 读数仓库（轮询摄入源用）
// 写入端是设备 CRUD/摄入服务，管线侧只读
type ReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingRepository 创建读数仓库
func NewReadingRepository(db *sql.DB, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:     db,
		logger: logger,
	}
}

// LatestPerDevice 返回每个设备在 since 之后的最新一条读数
// since 即新鲜度窗口下限，更早的读数不返回（轮询模式下避免对过期数据告警）
func (r *ReadingRepository) LatestPerDevice(ctx context.Context, since time.Time) ([]models.Reading, error) {
	query := `
		SELECT DISTINCT ON (device_id) device_id, recorded_at, metrics
		FROM readings
		WHERE recorded_at >= $1
		ORDER BY device_id, recorded_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest readings: %w", err)
	}
	defer rows.Close()

	readings := make([]models.Reading, 0)
	for rows.Next() {
		var reading models.Reading
		var values []byte

		if err := rows.Scan(&reading.DeviceID, &reading.Timestamp, &values); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}

		reading.Values = make(map[string]float64)
		if len(values) > 0 {
			if err := json.Unmarshal(values, &reading.Values); err != nil {
				r.logger.Warn("Failed to unmarshal reading values, skipping",
					zap.String("device_id", reading.DeviceID),
					zap.Error(err),
				)
				continue
			}
		}

		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return readings, nil
}
