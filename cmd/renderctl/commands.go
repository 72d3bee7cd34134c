package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanfei1991/renderfarm/client"
	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

func newSubmitCmd(opts *globalOptions) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "submit [project-file]",
		Short: "Submit one job per sequence of a project file, or a single raw payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payloads []model.Payload
			switch {
			case payload != "" && len(args) > 0:
				return cerrors.ErrInvalidArgument.GenWithStackByArgs("--payload and a project file are exclusive")
			case payload != "":
				if !json.Valid([]byte(payload)) {
					return cerrors.ErrInvalidPayload.GenWithStackByArgs("payload is not valid JSON")
				}
				payloads = append(payloads, model.Payload(payload))
			case len(args) == 1:
				project, err := LoadProject(args[0])
				if err != nil {
					return err
				}
				if payloads, err = project.Payloads(); err != nil {
					return err
				}
			default:
				return cerrors.ErrInvalidArgument.GenWithStackByArgs("a project file or --payload is required")
			}

			ctx, cancel := opts.context()
			defer cancel()
			cli := opts.client()
			var submitted []*model.JobRecord
			for _, p := range payloads {
				rec, err := cli.SubmitJob(ctx, p)
				if err != nil {
					return err
				}
				submitted = append(submitted, rec)
			}
			if opts.json {
				return printJSON(opts.out, submitted)
			}
			tw := newTable(opts.out, "ID", "STATUS", "WORKER", "NAME")
			for _, rec := range submitted {
				tw.row(rec.ID, string(rec.Status), rec.AssignedWorker, payloadName(rec.Payload))
			}
			return tw.flush()
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "submit a single job with this JSON payload")
	return cmd
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]model.JobStatus, 0, len(statuses))
			for _, s := range statuses {
				status := model.JobStatus(s)
				if !status.Valid() {
					return cerrors.ErrInvalidArgument.GenWithStackByArgs("unknown status " + s)
				}
				filter = append(filter, status)
			}
			ctx, cancel := opts.context()
			defer cancel()
			jobs, err := opts.client().ListJobs(ctx, filter...)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(opts.out, jobs)
			}
			tw := newTable(opts.out, "ID", "STATUS", "WORKER", "PROGRESS")
			for _, job := range jobs {
				tw.row(job.ID, string(job.Status), job.AssignedWorker, formatProgress(job.Progress))
			}
			return tw.flush()
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only list jobs in these statuses")
	return cmd
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			rec, err := opts.client().GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(opts.out, rec)
			}
			return printRecord(opts.out, rec)
		},
	}
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel jobs that have not finished",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			cli := opts.client()
			for _, id := range args {
				rec, err := client.Cancel(ctx, cli, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "%s %s\n", rec.ID, rec.Status)
			}
			return nil
		},
	}
}

func newRequeueCmd(opts *globalOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "requeue <job-id>...",
		Short: "Put assigned or running jobs back to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			cli := opts.client()
			for _, id := range args {
				rec, err := client.Requeue(ctx, cli, id, "", message)
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.out, "%s %s\n", rec.ID, rec.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "requeued by operator", "status message of the requeued jobs")
	return cmd
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>...",
		Short: "Delete finished jobs, cancel unfinished ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			cli := opts.client()
			for _, id := range args {
				resp, err := cli.DeleteJob(ctx, id)
				if err != nil {
					return err
				}
				switch {
				case resp.Removed:
					fmt.Fprintf(opts.out, "%s removed\n", resp.ID)
				case resp.Job != nil:
					fmt.Fprintf(opts.out, "%s %s\n", resp.ID, resp.Job.Status)
				default:
					fmt.Fprintf(opts.out, "%s\n", resp.ID)
				}
			}
			return nil
		},
	}
}

func newWorkersCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List render workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			workers, err := opts.client().ListWorkers(ctx)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(opts.out, workers)
			}
			tw := newTable(opts.out, "ID", "ONLINE", "STATUS", "CURRENT JOB", "LAST SEEN")
			for _, w := range workers {
				lastSeen := "-"
				if !w.LastSeen.IsZero() {
					lastSeen = w.LastSeen.Format(time.RFC3339)
				}
				tw.row(w.ID, fmt.Sprint(w.Online), orDash(w.Status), orDash(w.CurrentJob), lastSeen)
			}
			return tw.flush()
		},
	}
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the health of the render master",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			health, err := opts.client().Health(ctx)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(opts.out, health)
			}
			fmt.Fprintf(opts.out, "status: %s\n", health.Status)
			fmt.Fprintf(opts.out, "corrupted records: %d\n", health.CorruptedRecords)
			for _, status := range model.AllJobStatuses {
				fmt.Fprintf(opts.out, "%s: %d\n", status, health.Jobs[status])
			}
			return nil
		},
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return cerrors.Trace(enc.Encode(v))
}

func printRecord(out io.Writer, rec *model.JobRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", rec.ID)
	fmt.Fprintf(tw, "status:\t%s\n", rec.Status)
	fmt.Fprintf(tw, "worker:\t%s\n", orDash(rec.AssignedWorker))
	fmt.Fprintf(tw, "progress:\t%s\n", formatProgress(rec.Progress))
	fmt.Fprintf(tw, "message:\t%s\n", orDash(rec.StatusMessage))
	if rec.ErrorDetail != "" {
		fmt.Fprintf(tw, "error:\t%s\n", rec.ErrorDetail)
	}
	if rec.OutputLocation != "" {
		fmt.Fprintf(tw, "output:\t%s\n", rec.OutputLocation)
	}
	fmt.Fprintf(tw, "requeues:\t%d\n", rec.RequeueCount)
	fmt.Fprintf(tw, "created:\t%s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "updated:\t%s\n", rec.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "payload:\t%s\n", string(rec.Payload))
	return cerrors.Trace(tw.Flush())
}

type table struct {
	tw *tabwriter.Writer
}

func newTable(out io.Writer, header ...string) *table {
	t := &table{tw: tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)}
	t.row(header...)
	return t
}

func (t *table) row(cols ...string) {
	fmt.Fprintln(t.tw, strings.Join(cols, "\t"))
}

func (t *table) flush() error {
	return cerrors.Trace(t.tw.Flush())
}

func formatProgress(p float64) string {
	return fmt.Sprintf("%.1f%%", p*100)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func payloadName(p model.Payload) string {
	var v struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(p, &v); err != nil || v.Name == "" {
		return "-"
	}
	return v.Name
}
