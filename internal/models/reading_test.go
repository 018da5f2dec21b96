package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReadingEvent(t *testing.T) {
	payload := []byte(`{
		"deviceId": "D1",
		"timestamp": "2026-08-28T10:00:00Z",
		"pm2_5": 150.5,
		"pm10": 42,
		"firmware": "v2.1"
	}`)

	reading, err := ParseReadingEvent(payload)

	require.NoError(t, err)
	assert.Equal(t, "D1", reading.DeviceID)
	assert.Equal(t, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC), reading.Timestamp)
	assert.Equal(t, 150.5, reading.Values["pm2_5"])
	assert.Equal(t, float64(42), reading.Values["pm10"])
	// 非数值字段不是污染物浓度
	_, ok := reading.Values["firmware"]
	assert.False(t, ok)
}

func TestParseReadingEvent_MissingDeviceID(t *testing.T) {
	_, err := ParseReadingEvent([]byte(`{"pm2_5": 10}`))
	assert.Error(t, err)
}

func TestParseReadingEvent_MissingTimestampUsesNow(t *testing.T) {
	before := time.Now()
	reading, err := ParseReadingEvent([]byte(`{"deviceId": "D1", "pm2_5": 10}`))

	require.NoError(t, err)
	assert.False(t, reading.Timestamp.Before(before))
	assert.False(t, reading.Timestamp.After(time.Now()))
}

func TestParseReadingEvent_InvalidTimestamp(t *testing.T) {
	_, err := ParseReadingEvent([]byte(`{"deviceId": "D1", "timestamp": "yesterday"}`))
	assert.Error(t, err)
}

func TestParseReadingEvent_InvalidJSON(t *testing.T) {
	_, err := ParseReadingEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestReading_Value(t *testing.T) {
	reading := &Reading{Values: map[string]float64{"pm2_5": 12.3}}

	v, ok := reading.Value("pm2_5")
	assert.True(t, ok)
	assert.Equal(t, 12.3, v)

	_, ok = reading.Value("o3")
	assert.False(t, ok)
}

func TestPollutantRank_CanonicalOrder(t *testing.T) {
	assert.Less(t, PollutantRank("pm2_5"), PollutantRank("pm10"))
	assert.Less(t, PollutantRank("pm10"), PollutantRank("co"))
	assert.Less(t, PollutantRank("o3"), PollutantRank("unknown_metric"))
}

func TestSeverity_Rank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityWarning.Rank())
}
