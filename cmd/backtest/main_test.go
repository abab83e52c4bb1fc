package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/marketdata"
	"tradecore/internal/ops"
	"tradecore/internal/schema"
	"tradecore/internal/strategy"
)

func TestBuildJobs(t *testing.T) {
	loaded, err := ops.Parse([]byte(`{"strategy": {"name": "fixed_buy", "params": {"qty": 3}}}`))
	require.NoError(t, err)
	data := marketdata.Load{Bars: []schema.Bar{{Instrument: "AAA", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 1, High: 1, Low: 1, Close: 1}}}
	registry := strategy.NewDefaultRegistry()

	jobs, err := buildJobs(registry, loaded, "", data)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, strategy.FixedBuyName, jobs[0].Name)

	jobs, err = buildJobs(registry, loaded, "fixed_buy, sma_cross", data)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, strategy.SMACrossName, jobs[1].Name)

	_, err = buildJobs(registry, loaded, "nope", data)
	assert.Error(t, err)
}

func TestResultPath(t *testing.T) {
	assert.Equal(t, "out/run.json", resultPath("out/run.json", "sma_cross", false))
	assert.Equal(t, "out/run.sma_cross.json", resultPath("out/run.json", "sma_cross", true))
}
