package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/4peng/Udara-sub000/internal/models"

	"go.uber.org/zap"
)

// DeviceRepository 设备仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// GetDevice 按 device_id 获取设备
// 设备不存在返回 (nil, nil)：调用方（派发器）按"静默丢弃该读数"处理，不算错误
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT device_id, device_name, location, status, is_active
		FROM devices
		WHERE device_id = $1
	`

	var device models.Device
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.DeviceID,
		&device.Name,
		&device.Location,
		&device.Status,
		&device.IsActive,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return &device, nil
}
