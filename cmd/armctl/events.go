package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events [robot]",
	Short: "Show a robot's journaled events",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var runsCmd = &cobra.Command{
	Use:   "runs [robot]",
	Short: "Show a robot's command runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuns,
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions [robot]",
	Short: "Show the safety decision records of a robot",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecisions,
}

var journalLimit int

func init() {
	for _, c := range []*cobra.Command{eventsCmd, runsCmd, decisionsCmd} {
		c.Flags().IntVar(&journalLimit, "limit", 20, "Maximum number of entries")
	}
}

func journalPath(robot, kind string) string {
	return fmt.Sprintf("%s?limit=%d", robotPath(robot, kind), journalLimit)
}

func runEvents(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(journalPath(args[0], "events"))
	if err != nil {
		return err
	}

	var events []struct {
		Kind      string                 `json:"kind"`
		Path      []string               `json:"path"`
		From      string                 `json:"from"`
		To        string                 `json:"to"`
		Data      map[string]interface{} `json:"data"`
		Timestamp time.Time              `json:"timestamp"`
	}
	if err := json.Unmarshal(resp, &events); err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("No events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tPATH\tTRANSITION\tDETAIL")
	for _, ev := range events {
		transition := ""
		if ev.From != "" || ev.To != "" {
			transition = ev.From + " -> " + ev.To
		}
		detail := ""
		if r, ok := ev.Data["reason"].(string); ok {
			detail = r
		}
		if e, ok := ev.Data["error"].(string); ok {
			detail = e
		}
		fmt.Fprintf(w, "%s\t%s\t/%s\t%s\t%s\n",
			ev.Timestamp.Local().Format("15:04:05.000"), ev.Kind,
			strings.Join(ev.Path, "/"), transition, truncate(detail, 50))
	}
	w.Flush()
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(journalPath(args[0], "runs"))
	if err != nil {
		return err
	}

	var runs []struct {
		ExecutionID string    `json:"execution_id"`
		Command     string    `json:"command"`
		Status      string    `json:"status"`
		Kind        string    `json:"kind"`
		Error       string    `json:"error"`
		StartedAt   time.Time `json:"started_at"`
		EndedAt     time.Time `json:"ended_at"`
	}
	if err := json.Unmarshal(resp, &runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMAND\tSTATUS\tDURATION\tERROR")
	for _, r := range runs {
		errText := r.Error
		if r.Kind != "" {
			errText = r.Kind + ": " + errText
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(r.ExecutionID), r.Command, r.Status,
			r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond), truncate(errText, 50))
	}
	w.Flush()
	return nil
}

func runDecisions(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(journalPath(args[0], "decisions"))
	if err != nil {
		return err
	}

	var entries []struct {
		ID        string    `json:"id"`
		Action    string    `json:"action"`
		Outcome   string    `json:"outcome"`
		Details   string    `json:"details"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No decisions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime),
			e.Action, e.Outcome, truncate(e.Details, 60))
	}
	w.Flush()
	return nil
}

// truncate shortens a string for table output.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
