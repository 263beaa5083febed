package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/teranos/qafila/broadcast"
	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/job"
	"github.com/teranos/qafila/worker"
)

// JobsCmd groups the job ledger operations.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage sync jobs",
	Long: `jobs — Inspect and control sync jobs

Examples:
  qafila jobs enqueue catalog-sync          # Queue a catalog sync
  qafila jobs ls --status running           # List running jobs
  qafila jobs pause 4f8c...                 # Pause at the next item boundary
  qafila jobs resume 4f8c...                # Requeue a paused job
  qafila jobs cancel 4f8c...                # Cancel (no resume)
  qafila jobs audit 4f8c...                 # Show the audit trail
  qafila jobs watch                         # Stream live events`,
}

var (
	enqueuePriorityFlag int
	enqueueDryRunFlag   bool
	lsStatusFlag        []string
	lsTypeFlag          []string
	lsLimitFlag         int
	lsOffsetFlag        int
)

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <job-type>",
	Short: "Queue a sync job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsEnqueue,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs with optional filters",
	RunE:  runJobsLs,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a running job at its next item boundary",
	Args:  cobra.ExactArgs(1),
	RunE:  controlAction(func(s *job.Service, id string) error { return s.Pause(id, actor()) }),
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Requeue a paused job from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  controlAction(func(s *job.Service, id string) error { return s.Resume(id, actor()) }),
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job (terminal, no resume)",
	Args:  cobra.ExactArgs(1),
	RunE:  controlAction(func(s *job.Service, id string) error { return s.Cancel(id, actor()) }),
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job and its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  controlAction(func(s *job.Service, id string) error { return s.Delete(id, actor()) }),
}

var jobsPriorityCmd = &cobra.Command{
	Use:   "priority <job-id> <priority>",
	Short: "Change a job's priority (lower runs sooner)",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsPriority,
}

var jobsAuditCmd = &cobra.Command{
	Use:   "audit <job-id>",
	Short: "Show the audit trail for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAudit,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch [job-id]",
	Short: "Stream live job events from the daemon",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsWatch,
}

func init() {
	jobsEnqueueCmd.Flags().IntVar(&enqueuePriorityFlag, "priority", 100, "Priority (lower runs sooner)")
	jobsEnqueueCmd.Flags().BoolVar(&enqueueDryRunFlag, "dry-run", false, "Fetch and report without writing records")
	jobsLsCmd.Flags().StringSliceVar(&lsStatusFlag, "status", nil, "Filter by status (repeatable)")
	jobsLsCmd.Flags().StringSliceVar(&lsTypeFlag, "type", nil, "Filter by job type (repeatable)")
	jobsLsCmd.Flags().IntVar(&lsLimitFlag, "limit", 50, "Page size")
	jobsLsCmd.Flags().IntVar(&lsOffsetFlag, "offset", 0, "Page offset")

	JobsCmd.AddCommand(jobsEnqueueCmd, jobsLsCmd, jobsStatusCmd, jobsPauseCmd,
		jobsResumeCmd, jobsCancelCmd, jobsRmCmd, jobsPriorityCmd, jobsAuditCmd, jobsWatchCmd)
}

// controlAction wraps the shared open-act-close shape of pause/resume/cancel/rm.
func controlAction(action func(*job.Service, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := action(newJobService(database), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", cmd.Name(), args[0])
		return nil
	}
}

func runJobsEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	service := newJobService(database)
	j, err := service.Enqueue(args[0], enqueuePriorityFlag, actor())
	if err != nil {
		return err
	}
	if enqueueDryRunFlag {
		j.SetMeta(worker.MetaDryRun, "true")
		if err := service.Store().Update(j); err != nil {
			return errors.Wrap(err, "failed to mark job as dry run")
		}
	}
	fmt.Printf("enqueued %s (%s, priority %d)\n", j.ID, j.Type, j.Priority)
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	statuses := make([]job.Status, 0, len(lsStatusFlag))
	for _, s := range lsStatusFlag {
		if !job.IsValidStatus(s) {
			return errors.Newf("invalid status %q", s)
		}
		statuses = append(statuses, job.Status(s))
	}

	page, err := newJobService(database).List(job.Filter{
		Statuses: statuses,
		Types:    lsTypeFlag,
		Limit:    lsLimitFlag,
		Offset:   lsOffsetFlag,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIORITY\tPROGRESS\tCREATED")
	for _, j := range page.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1f%%\t%s\n",
			j.ID, j.Type, j.Status, j.Priority, j.ProgressPercent,
			j.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	fmt.Printf("\n%d of %d jobs (offset %d)", len(page.Jobs), page.Total, page.Offset)
	if page.HasMore {
		fmt.Printf("; more available with --offset %d", page.Offset+len(page.Jobs))
	}
	fmt.Println()
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	j, err := newJobService(database).GetStatus(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Job:      %s\n", j.ID)
	fmt.Printf("Type:     %s\n", j.Type)
	fmt.Printf("Status:   %s\n", j.Status)
	fmt.Printf("Priority: %d\n", j.Priority)
	fmt.Printf("Progress: %.1f%%\n", j.ProgressPercent)
	if j.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", j.ErrorMessage)
	}
	fmt.Printf("Created:  %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
	if j.StartedAt != nil {
		fmt.Printf("Started:  %s\n", j.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if j.PausedAt != nil {
		fmt.Printf("Paused:   %s\n", j.PausedAt.Format("2006-01-02 15:04:05"))
	}
	if j.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", j.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if results := j.Meta(worker.MetaResults); results != "" {
		fmt.Printf("Results:  %s\n", results)
	}
	if checkpoint := j.Meta(worker.MetaCheckpoint); checkpoint != "" {
		fmt.Printf("Checkpoint: %s\n", checkpoint)
	}
	return nil
}

func runJobsPriority(cmd *cobra.Command, args []string) error {
	priority, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrapf(err, "invalid priority %q", args[1])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := newJobService(database).SetPriority(args[0], priority, actor()); err != nil {
		return err
	}
	fmt.Printf("priority %s -> %d\n", args[0], priority)
	return nil
}

func runJobsAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	entries, err := newJobService(database).Audit(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tACTION\tBY\tDETAILS")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			entry.CreatedAt.Format("2006-01-02 15:04:05"),
			entry.Action, entry.PerformedBy, entry.Metadata)
	}
	return w.Flush()
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := "ws://" + cfg.Server.Addr + "/ws/jobs"
	if len(args) == 1 {
		url += "?job_id=" + args[0]
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to daemon at %s (is it running?)", cfg.Server.Addr)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.Close()
	}()

	fmt.Printf("watching %s (ctrl-c to stop)\n", cfg.Server.Addr)
	for {
		var event broadcast.Event
		if err := conn.ReadJSON(&event); err != nil {
			return nil
		}
		line, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Println(strings.TrimSpace(string(line)))
	}
}
