package reporting_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

func TestAggregatorSummary(t *testing.T) {
	agg := reporting.NewAggregator()
	assert.False(t, agg.AllPassed(), "an empty suite has not passed")

	agg.Add(reporting.TestResult{Index: 0, Status: reporting.StatusPassed})
	agg.Add(reporting.TestResult{Index: 1, Status: reporting.StatusFailed, ExitStatus: 1})
	agg.Add(reporting.TestResult{Index: 2, Status: reporting.StatusSetupError})
	agg.Add(reporting.TestResult{Index: 3, Status: reporting.StatusCancelled})

	s := agg.Summarize()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.SetupError)
	assert.Equal(t, 1, s.Cancelled)
	assert.False(t, agg.AllPassed())

	all := reporting.NewAggregator()
	all.Add(reporting.TestResult{Status: reporting.StatusPassed})
	assert.True(t, all.AllPassed())
}

func suiteReport(id string, start time.Time) *reporting.SuiteReport {
	return &reporting.SuiteReport{
		SuiteID:   id,
		Seed:      42,
		StartTime: start,
		EndTime:   start.Add(3 * time.Second),
		Summary:   reporting.Summary{Total: 2, Passed: 1, Failed: 1},
		Results: []reporting.TestResult{
			{Index: 0, Status: reporting.StatusPassed},
			{
				Index:      1,
				Status:     reporting.StatusFailed,
				ExitStatus: 3,
				Params:     []string{"fragment6(64)"},
				Notes:      "command exited 3",
			},
		},
	}
}

func TestStorageSaveLoad(t *testing.T) {
	dir := t.TempDir()
	storage, err := reporting.NewStorage(dir, 0, reporting.Nop())
	require.NoError(t, err)

	report := suiteReport("abcd1234", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	path, err := storage.SaveReport(report)
	require.NoError(t, err)
	assert.FileExists(t, path)

	loaded, err := storage.LoadReport(path)
	require.NoError(t, err)
	assert.Equal(t, report.SuiteID, loaded.SuiteID)
	assert.Equal(t, report.Seed, loaded.Seed)
	require.Len(t, loaded.Results, 2)
	assert.Equal(t, report.Results[1].Params, loaded.Results[1].Params)
}

func TestStoragePrunesOldReports(t *testing.T) {
	dir := t.TempDir()
	storage, err := reporting.NewStorage(dir, 2, reporting.Nop())
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := storage.SaveReport(suiteReport("run", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var jsons []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			jsons = append(jsons, e.Name())
		}
	}
	assert.Len(t, jsons, 2)
}

func TestFormatterSummary(t *testing.T) {
	var buf bytes.Buffer
	reporting.NewFormatter(&buf).WriteSummary(suiteReport("abcd1234", time.Now()))

	out := buf.String()
	assert.Contains(t, out, "abcd1234")
	assert.Contains(t, out, "passed: 1")
	assert.Contains(t, out, "failed: 1")
	assert.Contains(t, out, "fragment6(64)")
	assert.Contains(t, out, "command exited 3")
	assert.NotContains(t, out, "cancelled:")
}
