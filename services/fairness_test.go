package services

import (
	"bytes"
	"testing"
	"time"

	"github.com/flashbots/macnet/client"
	"github.com/stretchr/testify/require"
)

func TestJainIndex(t *testing.T) {
	require.InDelta(t, 1.0, JainIndex([]float64{3, 3, 3, 3}), 1e-12)
	require.InDelta(t, 0.25, JainIndex([]float64{5, 0, 0, 0}), 1e-12)
	// (1+2+3)² / (3·(1+4+9)) = 36/42
	require.InDelta(t, 36.0/42.0, JainIndex([]float64{1, 2, 3}), 1e-12)
	require.Zero(t, JainIndex(nil))
	require.Zero(t, JainIndex([]float64{0, 0}))
}

func TestFairnessReport(t *testing.T) {
	results := []*client.Result{
		doneResult(0, 10*time.Millisecond, nil),
		doneResult(1, 20*time.Millisecond, nil),
		doneResult(2, 40*time.Millisecond, nil),
		{SessionID: 3, State: client.StateFailed, Requests: 5, Collisions: 4},
	}
	results[1].Collisions = 3

	report := NewFairnessReport(results)
	require.Equal(t, 4, report.Sessions)
	require.Equal(t, 3, report.Completed)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 10*time.Millisecond, report.MinCompletion)
	require.Equal(t, 40*time.Millisecond, report.MaxCompletion)
	require.Equal(t, 70*time.Millisecond/3, report.MeanCompletion)
	require.Equal(t, 11, report.TotalRequests)
	require.Equal(t, 7, report.TotalCollisions)

	// Throughputs 100, 50 and 25 per second.
	require.InDelta(t, 175.0*175.0/(3*(10000+2500+625)), report.JainIndex, 1e-9)

	var buf bytes.Buffer
	n, err := report.WriteTo(&buf)
	require.NoError(t, err)
	require.EqualValues(t, buf.Len(), n)
	require.Contains(t, buf.String(), "completed 3/4 sessions (1 failed)")
	require.Contains(t, buf.String(), "Jain's fairness index: 0.7")
}

func TestFairnessReportEmpty(t *testing.T) {
	report := NewFairnessReport(nil)
	require.Zero(t, report.Completed)
	require.Zero(t, report.MeanCompletion)
	require.Zero(t, report.JainIndex)
}
