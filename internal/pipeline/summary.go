package pipeline

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"scanrelay/internal/sequencer"
)

const timeRounding = time.Millisecond

// PrintSummary writes the post-run stage table and delivery table. The log
// is informational; control flow was settled by the sequencer.
func PrintSummary(w io.Writer, outcome sequencer.RunOutcome, deliveries []DeliveryResult) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "STAGE\tPOLICY\tSTATUS\tDURATION")
	for _, res := range outcome.Results {
		status := green(string(res.Status))
		switch res.Status {
		case sequencer.StageFailed:
			if res.Policy == sequencer.NonBlocking {
				status = yellow(string(res.Status))
			} else {
				status = red(string(res.Status))
			}
		case sequencer.StageTimedOut:
			status = red(string(res.Status))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Name, res.Policy, status, res.Duration.Round(timeRounding))
	}
	tw.Flush()

	if outcome.Status == sequencer.RunAborted {
		fmt.Fprintf(w, "\n%s run aborted at stage %q\n", red("✗"), outcome.AbortedAt)
	} else {
		fmt.Fprintf(w, "\n%s run succeeded\n", green("✓"))
	}

	if len(deliveries) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPORT\tDELIVERED\tJOB\tNOTE")
	for _, del := range deliveries {
		delivered := green("yes")
		note := ""
		if !del.Delivered {
			delivered = yellow("no")
			if del.Err != nil {
				note = del.Err.Error()
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", del.Kind, delivered, del.JobID, note)
	}
	tw.Flush()
}
