// Package evaluator 阈值评估器：纯函数，无 I/O、无副作用
package evaluator

import (
	"sort"

	"github.com/4peng/Udara-sub000/internal/models"
)

// Result 评估结果
// Driver 为驱动污染物（最严重项），Violations 为本次读数的全部超标项
type Result struct {
	Driver     models.Violation
	Violations []models.Violation
}

// Evaluate 用订阅阈值评估一条读数
// 只考虑读数和订阅阈值（enabled）中都出现的污染物；任一侧缺失视为未超标。
// 多项同时超标时合并为一个结果：取最高级别；级别相同时按规范污染物顺序
// 取第一个作为驱动项（确定性，见 models.CanonicalPollutants）。
// 无超标返回 nil。
func Evaluate(reading *models.Reading, sub *models.Subscription) *Result {
	if reading == nil || sub == nil {
		return nil
	}

	var violations []models.Violation
	for metric, cfg := range sub.Thresholds {
		if !cfg.Enabled {
			continue
		}
		value, ok := reading.Value(metric)
		if !ok {
			continue
		}

		switch {
		case cfg.Critical > 0 && value >= cfg.Critical:
			violations = append(violations, models.Violation{
				Metric:    metric,
				Value:     value,
				Threshold: cfg.Critical,
				Severity:  models.SeverityCritical,
			})
		case cfg.Warning > 0 && value >= cfg.Warning:
			violations = append(violations, models.Violation{
				Metric:    metric,
				Value:     value,
				Threshold: cfg.Warning,
				Severity:  models.SeverityWarning,
			})
		}
	}

	if len(violations) == 0 {
		return nil
	}

	// 级别降序，同级按规范顺序，未知指标按名称兜底排序
	sort.Slice(violations, func(i, j int) bool {
		vi, vj := violations[i], violations[j]
		if vi.Severity.Rank() != vj.Severity.Rank() {
			return vi.Severity.Rank() > vj.Severity.Rank()
		}
		ri, rj := models.PollutantRank(vi.Metric), models.PollutantRank(vj.Metric)
		if ri != rj {
			return ri < rj
		}
		return vi.Metric < vj.Metric
	})

	return &Result{
		Driver:     violations[0],
		Violations: violations,
	}
}
