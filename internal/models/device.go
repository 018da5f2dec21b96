package models

// Device 空气质量传感器设备
// 由后台管理工具创建，摄入心跳更新 status，正常运行中不删除（通过 is_active 软停用）
type Device struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Status   string `json:"status"` // online / offline
	IsActive bool   `json:"isActive"`
}
