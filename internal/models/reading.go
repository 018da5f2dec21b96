package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reading 一次传感器测量事件
// 一条读数对应一个事件，创建后不可变
type Reading struct {
	DeviceID  string             `json:"deviceId"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// ParseReadingEvent 解析摄入事件
// 事件格式为扁平 JSON：{"deviceId": "...", "timestamp": "ISO8601", "pm2_5": 12.3, ...}
// 除 deviceId/timestamp 外的数值字段都视为污染物浓度
func ParseReadingEvent(payload []byte) (*Reading, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse reading event: %w", err)
	}

	reading := &Reading{
		Values: make(map[string]float64),
	}

	if v, ok := raw["deviceId"]; ok {
		if err := json.Unmarshal(v, &reading.DeviceID); err != nil {
			return nil, fmt.Errorf("invalid deviceId: %w", err)
		}
	}
	if reading.DeviceID == "" {
		return nil, fmt.Errorf("reading event missing deviceId")
	}

	if v, ok := raw["timestamp"]; ok {
		var ts string
		if err := json.Unmarshal(v, &ts); err != nil {
			return nil, fmt.Errorf("invalid timestamp: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		reading.Timestamp = parsed
	} else {
		// 没有时间戳时使用服务器时间（与摄入端的 server-assigned timestamp 一致）
		reading.Timestamp = time.Now()
	}

	for key, v := range raw {
		if key == "deviceId" || key == "timestamp" {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			// 非数值字段不是污染物浓度，跳过
			continue
		}
		reading.Values[key] = f
	}

	return reading, nil
}

// Value 返回指定污染物的浓度，不存在时返回 (0, false)
func (r *Reading) Value(metric string) (float64, bool) {
	v, ok := r.Values[metric]
	return v, ok
}
