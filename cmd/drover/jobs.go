package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/cuemby/drover/pkg/client"
	"github.com/cuemby/drover/pkg/types"
	"github.com/spf13/cobra"
)

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("controller")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller: %w", err)
	}
	return c, nil
}

// Job commands
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobStartCmd = &cobra.Command{
	Use:   "start -f job.yaml",
	Short: "Start a job from a request file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		req, err := parseJobRequest(data)
		if err != nil {
			return err
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		rec, err := c.StartJob(req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s started with parallelism %d\n", rec.JobID, rec.Parallelism)
		return nil
	},
}

var jobScaleCmd = &cobra.Command{
	Use:   "scale JOB PARALLELISM",
	Short: "Change a job's parallelism",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("parallelism must be an integer: %w", err)
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		rec, err := c.ScaleJob(args[0], n)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s scaled to %d\n", rec.JobID, rec.Parallelism)
		return nil
	},
}

var jobCompleteCmd = &cobra.Command{
	Use:   "complete JOB",
	Short: "Mark a job finished and drain its workers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.CompleteJob(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s completed, draining workers\n", args[0])
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB",
	Short: "Abort a job and drain its workers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.CancelJob(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s cancelled, draining workers\n", args[0])
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		jobs, err := c.ListJobs()
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), jobs)
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobStartCmd)
	jobCmd.AddCommand(jobScaleCmd)
	jobCmd.AddCommand(jobCompleteCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobListCmd)

	jobStartCmd.Flags().StringP("file", "f", "", "Job request YAML file (required)")
	_ = jobStartCmd.MarkFlagRequired("file")
}

var groupsCmd = &cobra.Command{
	Use:   "groups [JOB]",
	Short: "Show worker groups",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if len(args) == 1 {
			g, err := c.GetGroup(args[0])
			if err != nil {
				return err
			}
			printWorkers(cmd.OutOrStdout(), *g)
			return nil
		}
		groups, err := c.ListGroups()
		if err != nil {
			return err
		}
		printGroups(cmd.OutOrStdout(), groups)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show slot occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		s, err := c.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workers: %d\nSlots:   %d used / %d total\nPending: %d\n", s.Workers, s.Used, s.Total, s.Pending)
		return nil
	},
}

func printJobs(w io.Writer, jobs []*types.JobRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tPARALLELISM\tDEGRADED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", j.JobID, j.Status, j.Parallelism, j.Degraded)
	}
	_ = tw.Flush()
}

func printGroups(w io.Writer, groups []types.GroupStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE\tREADY\tLIVE\tDESIRED\tGENERATION")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", g.JobID, g.State, g.Ready, g.Live, g.Desired, g.Generation)
	}
	_ = tw.Flush()
}

func printWorkers(w io.Writer, g types.GroupStatus) {
	fmt.Fprintf(w, "Job %s: %s (%d/%d ready)\n", g.JobID, g.State, g.Ready, g.Desired)
	if g.Degraded != "" {
		fmt.Fprintf(w, "Degraded: %s\n", g.Degraded)
	}
	if g.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", g.LastError)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tORDINAL\tPHASE\tADDRESS\tMESSAGE")
	for _, wk := range g.Workers {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", wk.ID, wk.Ordinal, wk.Phase, wk.Address, wk.Message)
	}
	_ = tw.Flush()
}
