package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/nidhogg/crewnexus/internal/orchestrator"
	"github.com/nidhogg/crewnexus/internal/provider"
	"github.com/spf13/cobra"
)

var (
	submitFile     string
	submitWorkflow string
	submitWatch    bool
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models agents may use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCONTEXT\tUSE CASES")
		for _, m := range provider.DefaultCatalog().List() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.ID, m.Name, m.ContextWindow, strings.Join(m.RecommendedFor, ", "))
		}
		return w.Flush()
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit -f workflow.yaml",
	Short: "Submit a workflow to a running server",
	Example: `  crewd submit -f examples/research.yaml
  crewd submit -f examples/research.yaml --workflow weekly-report --watch`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sub, err := loadSubmission(submitFile)
		if err != nil {
			return err
		}
		if submitWorkflow != "" {
			sub.WorkflowID = submitWorkflow
		}
		if sub.WorkflowID == "" {
			return fmt.Errorf("workflow id missing: set workflow_id in the file or pass --workflow")
		}

		c := newAPIClient(serverURL)
		out, err := c.Submit(cmd.Context(), sub)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "submitted %s (workflow %s, %s)\n", out.ExecutionID, out.WorkflowID, out.Status)
		if !submitWatch {
			return nil
		}
		return c.Watch(cmd.Context(), sub.WorkflowID, printFrame(cmd))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <workflowID>",
	Short: "Show the latest execution of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newAPIClient(serverURL).Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRecord(cmd, rec)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <workflowID>",
	Short: "Stream live events of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newAPIClient(serverURL).Watch(cmd.Context(), args[0], printFrame(cmd))
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <executionID>",
	Short: "Cancel a pending or running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(serverURL).Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "workflow file (YAML or JSON)")
	submitCmd.Flags().StringVar(&submitWorkflow, "workflow", "", "workflow id, overriding the file")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "stream events after submitting")
	_ = submitCmd.MarkFlagRequired("file")
}

func printRecord(cmd *cobra.Command, rec *orchestrator.ExecutionRecord) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "execution  %s\n", rec.ExecutionID)
	fmt.Fprintf(out, "workflow   %s (%s)\n", rec.WorkflowID, rec.CrewName)
	fmt.Fprintf(out, "status     %s\n", colorStatus(rec.Status))
	fmt.Fprintf(out, "progress   %.0f%% (%d/%d tasks)\n", rec.Progress*100, len(rec.Results), rec.TotalTasks)
	if rec.CurrentTask != "" && !rec.Status.Terminal() {
		fmt.Fprintf(out, "current    %s (%s)\n", rec.CurrentTask, rec.CurrentAgent)
	}
	fmt.Fprintf(out, "tokens     %d\n", rec.TokensUsed)
	fmt.Fprintf(out, "elapsed    %s\n", rec.ExecutionTime)
	if rec.Error != "" {
		fmt.Fprintf(out, "error      \033[31m%s\033[0m\n", rec.Error)
	}
	if len(rec.Results) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tAGENT\tTOKENS\tTIME")
	for _, r := range rec.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.TaskName, r.Status, r.Agent, r.TokensUsed, r.ExecutionTime)
	}
	w.Flush()
}

func printFrame(cmd *cobra.Command) func(map[string]any) {
	out := cmd.OutOrStdout()
	return func(frame map[string]any) {
		if t, ok := frame["event_type"].(string); ok {
			line := fmt.Sprintf("\033[36m[%s]\033[0m %s", frame["timestamp"], t)
			if task, ok := frame["task_id"].(string); ok && task != "" {
				line += " " + task
			}
			if msg, ok := frame["message"].(string); ok && msg != "" {
				line += ": " + msg
			}
			fmt.Fprintln(out, line)
			return
		}
		status, _ := frame["status"].(string)
		fmt.Fprintf(out, "workflow %v is %s\n", frame["workflow_id"], colorStatus(orchestrator.Status(status)))
	}
}

func colorStatus(s orchestrator.Status) string {
	switch s {
	case orchestrator.StatusCompleted:
		return "\033[32m" + string(s) + "\033[0m"
	case orchestrator.StatusFailed, orchestrator.StatusCancelled:
		return "\033[31m" + string(s) + "\033[0m"
	}
	return string(s)
}
