package models

import "time"

// Severity 超标级别
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank 级别权重（数值越大越严重）
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Violation 一次阈值超标（评估器输出）
type Violation struct {
	Metric    string   `json:"metric"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
	Severity  Severity `json:"severity"`
}

// 接收人投递状态：pending → sent | failed，终态
// 注意术语：没有注册推送 token 的用户也标记 sent，
// 含义是"已写入应用内通知列表"，不代表推送送达
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// 投递渠道
const (
	ChannelInApp = "in_app"
	ChannelPush  = "push"
)

// 触发类型
const (
	TriggerThresholdExceeded = "threshold_exceeded"
	TriggerTest              = "test"
)

// Trigger 告警触发描述
type Trigger struct {
	Type      string   `json:"type"`
	DeviceID  string   `json:"deviceId,omitempty"`
	Metric    string   `json:"metric,omitempty"`
	Value     float64  `json:"value,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Severity  Severity `json:"severity,omitempty"`
}

// Content 通知内容
type Content struct {
	Subject    string      `json:"subject"`
	Message    string      `json:"message"`
	Violations []Violation `json:"violations,omitempty"`
}

// Recipient 通知接收人及投递结果
type Recipient struct {
	UserID   string     `json:"userId"`
	Channels []string   `json:"channels"`
	Status   string     `json:"status"`
	Error    string     `json:"error,omitempty"`
	SentAt   *time.Time `json:"sentAt,omitempty"`
	ReadAt   *time.Time `json:"readAt,omitempty"`
}

// Notification 已派发告警的持久记录
// 每次派发决定恰好创建一条；除接收人已读状态和投递状态外不可变
type Notification struct {
	NotificationID string      `json:"notificationId"`
	Trigger        Trigger     `json:"trigger"`
	Recipients     []Recipient `json:"recipients"`
	Content        Content     `json:"content"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// UserNotification 用户视角的通知（合并独立日志与用户内嵌列表后的条目，
// 也是 users.recent_notifications 数组元素的存储形态，最多保留最近 50 条）
type UserNotification struct {
	NotificationID string    `json:"notificationId"`
	Trigger        Trigger   `json:"trigger"`
	Content        Content   `json:"content"`
	Status         string    `json:"status"`
	Channels       []string  `json:"channels"`
	Error          string    `json:"error,omitempty"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}
