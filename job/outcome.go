package job

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/teranos/ixpipe/commit"
	"github.com/teranos/ixpipe/task"
)

// Outcome is what a job run produced, per work unit and per branch.
type Outcome struct {
	RunID      string
	JobName    string
	Policy     commit.Policy
	Status     Status
	Units      []TaskRecord
	Datasets   []*commit.DatasetResult
	StartedAt  time.Time
	FinishedAt time.Time

	// Failures is the job's cumulative failed-run count after this run.
	Failures int
	// Disabled is set once Failures exceeds job.max.failures; scheduling
	// the job again is the caller's decision.
	Disabled bool

	// Err combines planning, publish and watermark errors.
	Err error
}

// Counts returns how many units committed, were aborted, and had a FAILED
// final attempt.
func (o *Outcome) Counts() (committed, aborted, failed int) {
	for _, u := range o.Units {
		switch u.State {
		case task.StateCommitted:
			committed++
		default:
			aborted++
		}
		if u.State != task.StateCommitted && u.ErrorClass != "none" && u.ErrorClass != "cancelled" {
			failed++
		}
	}
	return committed, aborted, failed
}

// Inconsistent reports whether any unit was published without its
// watermark being recorded.
func (o *Outcome) Inconsistent() bool {
	for _, u := range o.Units {
		if u.Inconsistent {
			return true
		}
	}
	return false
}

// Report renders the outcome as plain text: a summary line, one row per
// work unit and one indented row per branch.
func (o *Outcome) Report() string {
	var b strings.Builder
	committed, aborted, _ := o.Counts()
	fmt.Fprintf(&b, "job %s run %s: %s (policy %s, %d committed, %d aborted, %s)\n",
		o.JobName, o.RunID, o.Status, o.Policy, committed, aborted,
		o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond))
	if o.Disabled {
		fmt.Fprintf(&b, "job disabled: %d failed runs\n", o.Failures)
	}
	for _, d := range o.Datasets {
		for _, key := range d.Unrealized {
			fmt.Fprintf(&b, "watermark not recorded for %s: no realized high watermark\n", key)
		}
	}

	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATASET\tINTERVAL\tSTATE\tRETRIES\tROWS\tHIGH\tDETAIL")
	for _, u := range o.Units {
		detail := ""
		if u.State != task.StateCommitted && u.LastError != "" {
			detail = u.ErrorClass + ": " + u.LastError
		}
		if u.Inconsistent {
			detail = "INCONSISTENT data published, watermark not advanced"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			u.DatasetURN, intervalString(u), u.State, u.RetryCount, u.RowsExtracted, u.RealizedHigh, oneLine(detail))
		for _, br := range u.Branches {
			fmt.Fprintf(w, "  #%d %s\t\t%s\t\t%d\t%s\t%s\n",
				br.Index, br.Name, br.Status, br.RowsWritten, br.WatermarkKey, oneLine(br.Error))
		}
	}
	_ = w.Flush()
	return b.String()
}

func intervalString(u TaskRecord) string {
	if u.High.IsAbsent() {
		return fmt.Sprintf("[%d, +inf)", u.Low)
	}
	return fmt.Sprintf("[%d, %d)", u.Low, u.High)
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
