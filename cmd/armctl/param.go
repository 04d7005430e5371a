package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var paramCmd = &cobra.Command{
	Use:   "param",
	Short: "Read and update live parameters",
}

var paramListCmd = &cobra.Command{
	Use:   "list [robot]",
	Short: "List a robot's parameters",
	Args:  cobra.ExactArgs(1),
	RunE:  runParamList,
}

var paramSetCmd = &cobra.Command{
	Use:   "set [robot] [path] [value]",
	Short: "Set a parameter; running commands that reference it are notified",
	Args:  cobra.ExactArgs(3),
	RunE:  runParamSet,
}

func init() {
	paramCmd.AddCommand(paramListCmd, paramSetCmd)
}

func runParamList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(robotPath(args[0], "params"))
	if err != nil {
		return err
	}

	var params map[string]interface{}
	if err := json.Unmarshal(resp, &params); err != nil {
		return err
	}

	if len(params) == 0 {
		fmt.Println("No parameters set")
		return nil
	}

	paths := make([]string, 0, len(params))
	for p := range params {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tVALUE")
	for _, p := range paths {
		fmt.Fprintf(w, "%s\t%v\n", p, params[p])
	}
	w.Flush()
	return nil
}

func runParamSet(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"path":  args[1],
		"value": parseParamValue(args[2]),
	}
	if _, err := apiPut(robotPath(args[0], "params"), body); err != nil {
		return err
	}
	fmt.Printf("Set %s = %s on %s\n", args[1], args[2], args[0])
	return nil
}

// parseParamValue keeps numbers and booleans typed.
func parseParamValue(s string) interface{} {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
