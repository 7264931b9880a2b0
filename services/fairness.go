package services

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/flashbots/macnet/client"
)

// JainIndex returns Jain's fairness index (Σx)² / (n·Σx²) of values. It is 1
// when all values are equal and approaches 1/n when one value dominates. An
// empty or all-zero input yields 0.
func JainIndex(values []float64) float64 {
	var sum, sumSq float64
	for _, v := range values {
		sum += v
		sumSq += v * v
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / (float64(len(values)) * sumSq)
}

// FairnessReport summarises one run. Throughput of a session is the inverse
// of its completion time, and JainIndex is computed over those throughputs
// for completed sessions only.
type FairnessReport struct {
	Sessions        int              `json:"sessions"`
	Completed       int              `json:"completed"`
	Failed          int              `json:"failed"`
	JainIndex       float64          `json:"jain_index"`
	MeanCompletion  time.Duration    `json:"mean_completion"`
	MinCompletion   time.Duration    `json:"min_completion"`
	MaxCompletion   time.Duration    `json:"max_completion"`
	TotalRequests   int              `json:"total_requests"`
	TotalCollisions int              `json:"total_collisions"`
	Results         []*client.Result `json:"results"`
}

// NewFairnessReport builds the report for results.
func NewFairnessReport(results []*client.Result) *FairnessReport {
	report := &FairnessReport{
		Sessions: len(results),
		Results:  results,
	}

	var (
		throughputs []float64
		total       time.Duration
	)
	for _, r := range results {
		report.TotalRequests += r.Requests
		report.TotalCollisions += r.Collisions
		if r.State != client.StateDone {
			report.Failed++
			continue
		}
		report.Completed++
		total += r.Elapsed
		if report.Completed == 1 || r.Elapsed < report.MinCompletion {
			report.MinCompletion = r.Elapsed
		}
		report.MaxCompletion = max(report.MaxCompletion, r.Elapsed)
		if r.Elapsed > 0 {
			throughputs = append(throughputs, 1/r.Elapsed.Seconds())
		}
	}
	if report.Completed > 0 {
		report.MeanCompletion = total / time.Duration(report.Completed)
	}
	report.JainIndex = JainIndex(throughputs)
	return report
}

// WriteTo renders a per-session table followed by the summary.
func (r *FairnessReport) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPOLICY\tSTATE\tREQUESTS\tCOLLISIONS\tELAPSED")
	for _, res := range r.Results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
			res.SessionID, res.Policy, res.State, res.Requests, res.Collisions, res.Elapsed.Round(time.Microsecond))
	}
	if err := tw.Flush(); err != nil {
		return cw.n, err
	}
	fmt.Fprintf(cw, "\ncompleted %d/%d sessions (%d failed)\n", r.Completed, r.Sessions, r.Failed)
	fmt.Fprintf(cw, "completion time: mean %s, min %s, max %s\n",
		r.MeanCompletion.Round(time.Microsecond), r.MinCompletion.Round(time.Microsecond), r.MaxCompletion.Round(time.Microsecond))
	fmt.Fprintf(cw, "requests %d, collisions %d\n", r.TotalRequests, r.TotalCollisions)
	fmt.Fprintf(cw, "Jain's fairness index: %.4f\n", r.JainIndex)
	return cw.n, cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
