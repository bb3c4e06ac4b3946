package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexFloatUnmarshal(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{`123.4`, 123.4},
		{`"123.4"`, 123.4},
		{`"1,234.5"`, 1234.5},
		{`""`, 0},
		{`null`, 0},
		{`"garbage"`, 0},
		{`" 42 "`, 42},
	}
	for _, c := range cases {
		var f FlexFloat
		require.NoError(t, json.Unmarshal([]byte(c.raw), &f), c.raw)
		assert.Equal(t, c.want, f.Float(), c.raw)
	}
}

func TestSnapshotDecodesMixedTypes(t *testing.T) {
	raw := `{
		"hashrate_60sec": "512.3",
		"hashrate_60sec_unit": "GH/s",
		"hashrate_3hr": 1.2,
		"hashrate_3hr_unit": "PH/s",
		"btc_price": "65,432.10",
		"unpaid_earnings": null,
		"workers_hashing": 12,
		"server_timestamp": 1767225600.5,
		"arrow_history": {
			"hashrate_60sec": [
				{"time": "10:00", "value": 500, "unit": "GH/s"},
				{"time": "10:01", "value": "510.5"}
			]
		},
		"block_events": [{"timestamp": 1767225600, "block_height": 850000}]
	}`

	var s Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &s))

	assert.Equal(t, 512.3, s.Hashrate60sec.Float())
	assert.Equal(t, "GH/s", s.Hashrate60secUnit)
	assert.Equal(t, 65432.10, s.BTCPrice.Float())
	assert.Equal(t, 0.0, s.UnpaidEarnings.Float())
	assert.Equal(t, int64(12), s.WorkersHashing)
	assert.False(t, s.ServerTime().IsZero())

	require.Len(t, s.ArrowHistory["hashrate_60sec"], 2)
	v, ok := s.ArrowHistory["hashrate_60sec"][1].ValueFloat()
	require.True(t, ok)
	assert.Equal(t, 510.5, v)

	require.Len(t, s.BlockEvents, 1)
	assert.Equal(t, int64(850000), s.BlockEvents[0].BlockHeight)
	assert.Equal(t, 2026, s.BlockEvents[0].Time().Year())
}

func TestHistorySampleValueFloat(t *testing.T) {
	_, ok := HistorySample{Value: nil}.ValueFloat()
	assert.False(t, ok)
	_, ok = HistorySample{Value: "abc"}.ValueFloat()
	assert.False(t, ok)
	_, ok = HistorySample{Value: -1.0}.ValueFloat()
	assert.False(t, ok)
	v, ok := HistorySample{Value: "12.5"}.ValueFloat()
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)
}

func TestStreamFrameIsControl(t *testing.T) {
	assert.True(t, StreamFrame{Type: FramePing}.IsControl())
	assert.True(t, StreamFrame{Type: FrameTimeoutWarning}.IsControl())
	assert.True(t, StreamFrame{Type: FrameTimeout}.IsControl())
	assert.True(t, StreamFrame{Error: "boom"}.IsControl())
	assert.False(t, StreamFrame{}.IsControl())
}
