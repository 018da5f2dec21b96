package models

// CanonicalPollutants 规范污染物顺序
// 多项污染物同时超标且级别相同时，按此顺序取第一个作为驱动污染物，
// 保证合并告警结果的确定性（不在列表中的指标排在最后，按名称排序）
var CanonicalPollutants = []string{
	PollutantPM25,
	PollutantPM10,
	PollutantCO,
	PollutantNO2,
	PollutantSO2,
	PollutantO3,
}

// 污染物指标键
const (
	PollutantPM25 = "pm2_5"
	PollutantPM10 = "pm10"
	PollutantCO   = "co"
	PollutantNO2  = "no2"
	PollutantSO2  = "so2"
	PollutantO3   = "o3"
)

// pollutantNames 污染物显示名称（用于通知文案）
var pollutantNames = map[string]string{
	PollutantPM25: "PM2.5",
	PollutantPM10: "PM10",
	PollutantCO:   "Carbon Monoxide",
	PollutantNO2:  "Nitrogen Dioxide",
	PollutantSO2:  "Sulfur Dioxide",
	PollutantO3:   "Ozone",
}

// pollutantRanks 规范顺序索引
var pollutantRanks = func() map[string]int {
	m := make(map[string]int, len(CanonicalPollutants))
	for i, p := range CanonicalPollutants {
		m[p] = i
	}
	return m
}()

// PollutantRank 返回指标在规范顺序中的位置，未知指标排在所有规范指标之后
func PollutantRank(metric string) int {
	if rank, ok := pollutantRanks[metric]; ok {
		return rank
	}
	return len(CanonicalPollutants)
}

// PollutantDisplayName 返回污染物显示名称，未知指标原样返回
func PollutantDisplayName(metric string) string {
	if name, ok := pollutantNames[metric]; ok {
		return name
	}
	return metric
}
