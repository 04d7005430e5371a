package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/armctl/internal/tui"
)

var commandCmd = &cobra.Command{
	Use:     "command",
	Aliases: []string{"cmd"},
	Short:   "Execute, await and cancel robot commands",
}

var commandListCmd = &cobra.Command{
	Use:   "list [robot]",
	Short: "List a robot's commands",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandList,
}

var commandRunCmd = &cobra.Command{
	Use:   "run [robot] [command] [key=value...]",
	Short: "Execute a command",
	Long: `Execute a command on a robot. The goal is built from key=value pairs,
"/actuator/path=value" joint targets or a lone number for every joint, or
given as JSON with --goal.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCommandRun,
}

var commandAwaitCmd = &cobra.Command{
	Use:   "await [robot] [execution-id]",
	Short: "Wait for a command's result",
	Args:  cobra.ExactArgs(2),
	RunE:  runCommandAwait,
}

var commandCancelCmd = &cobra.Command{
	Use:   "cancel [robot]",
	Short: "Cancel the running command",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandCancel,
}

var (
	goalJSON     string
	waitResult   bool
	awaitTimeout time.Duration
)

func init() {
	commandCmd.AddCommand(commandListCmd, commandRunCmd, commandAwaitCmd, commandCancelCmd)

	commandRunCmd.Flags().StringVar(&goalJSON, "goal", "", "Goal as a JSON object")
	commandRunCmd.Flags().BoolVar(&waitResult, "wait", false, "Wait for the result")
	commandRunCmd.Flags().DurationVar(&awaitTimeout, "timeout", 0, "How long to wait for the result")
	commandAwaitCmd.Flags().DurationVar(&awaitTimeout, "timeout", 0, "How long to wait for the result")
}

// commandResult mirrors the API's command result.
type commandResult struct {
	ExecutionID string      `json:"execution_id"`
	Command     string      `json:"command"`
	Status      string      `json:"status"`
	Value       interface{} `json:"value"`
	Error       *struct {
		Kind   string `json:"kind"`
		Reason string `json:"reason"`
	} `json:"error"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

func runCommandList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(robotPath(args[0], "commands"))
	if err != nil {
		return err
	}

	var names []string
	if err := json.Unmarshal(resp, &names); err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runCommandRun(cmd *cobra.Command, args []string) error {
	goal := tui.ParseGoal(args[2:])
	if goalJSON != "" {
		if err := json.Unmarshal([]byte(goalJSON), &goal); err != nil {
			return fmt.Errorf("invalid --goal: %w", err)
		}
	}

	path := robotPath(args[0], "commands/"+url.PathEscape(args[1]))
	body := map[string]interface{}{"goal": goal}

	if !waitResult {
		resp, err := apiPost(path, body)
		if err != nil {
			return err
		}
		var h struct {
			ExecutionID string `json:"execution_id"`
		}
		if err := json.Unmarshal(resp, &h); err != nil {
			return err
		}
		fmt.Printf("Started %s on %s\n", args[1], args[0])
		fmt.Printf("Execution ID: %s\n", h.ExecutionID)
		return nil
	}

	q := url.Values{"wait": {"true"}}
	if awaitTimeout > 0 {
		q.Set("timeout", awaitTimeout.String())
	}
	resp, err := apiDo(awaitClient, http.MethodPost, path+"?"+q.Encode(), body)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func runCommandAwait(cmd *cobra.Command, args []string) error {
	path := robotPath(args[0], "executions/"+url.PathEscape(args[1]))
	if awaitTimeout > 0 {
		path += "?timeout=" + url.QueryEscape(awaitTimeout.String())
	}
	resp, err := apiDo(awaitClient, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return printResult(resp)
}

func printResult(resp []byte) error {
	var res commandResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Execution:\t%s\n", res.ExecutionID)
	fmt.Fprintf(w, "Command:\t%s\n", res.Command)
	fmt.Fprintf(w, "Status:\t%s\n", res.Status)
	fmt.Fprintf(w, "Duration:\t%s\n", res.EndedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.Value != nil {
		value, _ := json.Marshal(res.Value)
		fmt.Fprintf(w, "Value:\t%s\n", value)
	}
	if res.Error != nil {
		fmt.Fprintf(w, "Error:\t%s: %s\n", res.Error.Kind, res.Error.Reason)
	}
	w.Flush()

	if res.Error != nil {
		return fmt.Errorf("command %s %s", res.Command, res.Status)
	}
	return nil
}

func runCommandCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost(robotPath(args[0], "cancel"), nil); err != nil {
		return err
	}
	fmt.Printf("Cancelled running command on %s\n", args[0])
	return nil
}
