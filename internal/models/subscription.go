package models

import (
	"encoding/json"
	"fmt"
)

// ThresholdConfig 单项污染物阈值配置
// 不变量：critical >= warning（Validate 校验）
type ThresholdConfig struct {
	Enabled  bool    `json:"enabled"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	Unit     string  `json:"unit"`
}

// UnmarshalJSON 兼容历史数据的阈值写法
// 历史 schema 混用过 `max` 键（critical 取 max 值），且可能缺省 warning
// （缺省时按 critical * 0.7 推导）。解码边界统一归一到规范 schema，
// 存储和评估只认 {enabled, warning, critical, unit}
func (t *ThresholdConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Enabled  *bool    `json:"enabled"`
		Warning  *float64 `json:"warning"`
		Critical *float64 `json:"critical"`
		Max      *float64 `json:"max"`
		Unit     string   `json:"unit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.Unit = raw.Unit
	// 历史数据缺省 enabled 时视为启用
	t.Enabled = raw.Enabled == nil || *raw.Enabled

	switch {
	case raw.Critical != nil:
		t.Critical = *raw.Critical
	case raw.Max != nil:
		t.Critical = *raw.Max
	}

	if raw.Warning != nil {
		t.Warning = *raw.Warning
	} else {
		t.Warning = t.Critical * 0.7
	}

	return nil
}

// Validate 校验阈值配置
func (t ThresholdConfig) Validate() error {
	if t.Warning < 0 || t.Critical < 0 {
		return fmt.Errorf("thresholds must be non-negative")
	}
	if t.Critical < t.Warning {
		return fmt.Errorf("critical threshold (%v) must be >= warning threshold (%v)", t.Critical, t.Warning)
	}
	return nil
}

// Subscription 用户对单个设备的告警订阅
// 每个 (user, device) 对至多一条，由用户显式订阅/退订/改阈值
type Subscription struct {
	UserID     string                     `json:"userId"`
	DeviceID   string                     `json:"deviceId"`
	IsActive   bool                       `json:"isActive"`
	Thresholds map[string]ThresholdConfig `json:"customThresholds"`
}

// ValidateThresholds 校验订阅的全部阈值配置
func (s *Subscription) ValidateThresholds() error {
	for metric, cfg := range s.Thresholds {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid threshold for %s: %w", metric, err)
		}
	}
	return nil
}
