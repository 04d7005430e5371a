package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var robotCmd = &cobra.Command{
	Use:   "robot",
	Short: "Inspect robots and drive their safety state",
}

var robotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List robots",
	Args:  cobra.NoArgs,
	RunE:  runRobotList,
}

var robotShowCmd = &cobra.Command{
	Use:     "state [robot]",
	Aliases: []string{"show"},
	Short:   "Show a robot's safety and operational state",
	Args:    cobra.ExactArgs(1),
	RunE:    runRobotShow,
}

var robotArmCmd = &cobra.Command{
	Use:   "arm [robot]",
	Short: "Arm a robot",
	Args:  cobra.ExactArgs(1),
	RunE:  safetyAction("arm", "Armed"),
}

var robotDisarmCmd = &cobra.Command{
	Use:   "disarm [robot]",
	Short: "Run the disarm protocol on a robot",
	Args:  cobra.ExactArgs(1),
	RunE:  safetyAction("disarm", "Disarmed"),
}

var robotForceDisarmCmd = &cobra.Command{
	Use:   "force-disarm [robot]",
	Short: "Clear a robot's safety error without running handlers",
	Args:  cobra.ExactArgs(1),
	RunE:  safetyAction("force_disarm", "Force disarmed"),
}

var robotReportCmd = &cobra.Command{
	Use:   "report-error [robot] [actuator-path]",
	Short: "Report a hardware error on an actuator",
	Args:  cobra.ExactArgs(2),
	RunE:  runRobotReport,
}

var robotFaultCmd = &cobra.Command{
	Use:   "fault [robot] [actuator-path] [none|error|raise|throw|hang]",
	Short: "Set how a simulated actuator fails its disarm handler",
	Args:  cobra.ExactArgs(3),
	RunE:  runRobotFault,
}

var reportReason string

func init() {
	robotCmd.AddCommand(robotListCmd, robotShowCmd, robotArmCmd, robotDisarmCmd,
		robotForceDisarmCmd, robotReportCmd, robotFaultCmd)

	robotReportCmd.Flags().StringVar(&reportReason, "reason", "reported from cli", "Error description")
}

// robotStatus mirrors the API's robot status.
type robotStatus struct {
	Name        string   `json:"name"`
	Safety      string   `json:"safety"`
	Operational string   `json:"operational"`
	Executing   string   `json:"executing"`
	ExecutionID string   `json:"execution_id"`
	Handlers    []string `json:"handlers"`
}

func runRobotList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/robots")
	if err != nil {
		return err
	}

	var robots []robotStatus
	if err := json.Unmarshal(resp, &robots); err != nil {
		return err
	}

	if len(robots) == 0 {
		fmt.Println("No robots configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSAFETY\tOPERATIONAL\tEXECUTING\tHANDLERS")
	for _, r := range robots {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", r.Name, r.Safety, r.Operational, r.Executing, len(r.Handlers))
	}
	w.Flush()
	return nil
}

func runRobotShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(robotPath(args[0], ""))
	if err != nil {
		return err
	}

	var r robotStatus
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}
	printRobot(r)
	return nil
}

func printRobot(r robotStatus) {
	fmt.Printf("Name:        %s\n", r.Name)
	fmt.Printf("Safety:      %s\n", r.Safety)
	fmt.Printf("Operational: %s\n", r.Operational)
	if r.Executing != "" {
		fmt.Printf("Executing:   %s (%s)\n", r.Executing, truncateID(r.ExecutionID))
	}
	fmt.Printf("Handlers:    %s\n", strings.Join(r.Handlers, ", "))
}

func safetyAction(action, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resp, err := apiPost(robotPath(args[0], action), nil)
		if err != nil {
			return err
		}

		var r robotStatus
		if err := json.Unmarshal(resp, &r); err != nil {
			return err
		}
		fmt.Printf("%s %s (safety: %s, operational: %s)\n", done, r.Name, r.Safety, r.Operational)
		return nil
	}
}

func runRobotReport(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"path":   args[1],
		"reason": reportReason,
	}
	if _, err := apiPost(robotPath(args[0], "report_error"), body); err != nil {
		return err
	}
	fmt.Printf("Reported error on %s\n", args[1])
	return nil
}

func runRobotFault(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"path": args[1],
		"mode": args[2],
	}
	if _, err := apiPost(robotPath(args[0], "fault"), body); err != nil {
		return err
	}
	fmt.Printf("Fault mode of %s is %s\n", args[1], args[2])
	return nil
}

// truncateID shortens a UUID for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
