package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/qafila/schedule"
)

// ScheduleCmd groups the recurring sync configuration operations.
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring sync schedules",
	Long: `schedule — Configure recurring syncs, one per job type

Examples:
  qafila schedule add catalog-sync "0 3 * * *"    # Nightly at 03:00
  qafila schedule ls                              # Show all schedules
  qafila schedule disable catalog-sync            # Keep config, stop firing
  qafila schedule rm catalog-sync                 # Remove entirely`,
}

var (
	addPriorityFlag       int
	addMaxConcurrencyFlag int
	addTimeoutFlag        int
	addRetriesFlag        int
)

var scheduleAddCmd = &cobra.Command{
	Use:   "add <job-type> <cron-expression>",
	Short: "Create a schedule for a job type",
	Args:  cobra.ExactArgs(2),
	RunE:  runScheduleAdd,
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules",
	RunE:  runScheduleLs,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <job-type>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  setScheduleEnabled(true),
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <job-type>",
	Short: "Disable a schedule without removing it",
	Args:  cobra.ExactArgs(1),
	RunE:  setScheduleEnabled(false),
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <job-type>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRm,
}

func init() {
	scheduleAddCmd.Flags().IntVar(&addPriorityFlag, "priority", 100, "Priority for enqueued jobs (lower runs sooner)")
	scheduleAddCmd.Flags().IntVar(&addMaxConcurrencyFlag, "max-concurrency", 1, "Max simultaneous jobs of this type")
	scheduleAddCmd.Flags().IntVar(&addTimeoutFlag, "timeout-minutes", 60, "Per-run timeout in minutes")
	scheduleAddCmd.Flags().IntVar(&addRetriesFlag, "retries", 0, "Automatic retries after a failed run")

	ScheduleCmd.AddCommand(scheduleAddCmd, scheduleLsCmd, scheduleEnableCmd, scheduleDisableCmd, scheduleRmCmd)
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	sched, err := schedule.New(args[0], args[1])
	if err != nil {
		return err
	}
	sched.Priority = addPriorityFlag
	sched.MaxConcurrency = addMaxConcurrencyFlag
	sched.TimeoutMinutes = addTimeoutFlag
	sched.RetryAttempts = addRetriesFlag

	if err := schedule.NewStore(database).Create(sched); err != nil {
		return err
	}
	fmt.Printf("schedule %s: %q, next run %s\n",
		sched.JobType, sched.CronExpression, sched.NextRunAt.Format(time.RFC3339))
	return nil
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	schedules, err := schedule.NewStore(database).List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tENABLED\tCRON\tPRIORITY\tNEXT RUN\tLAST RUN")
	for _, sched := range schedules {
		next, last := "-", "-"
		if sched.NextRunAt != nil {
			next = sched.NextRunAt.Format("2006-01-02 15:04")
		}
		if sched.LastRunAt != nil {
			last = sched.LastRunAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%s\t%s\n",
			sched.JobType, sched.Enabled, sched.CronExpression, sched.Priority, next, last)
	}
	return w.Flush()
}

func setScheduleEnabled(enabled bool) func(*cobra.Command, []string) error {
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

		store := schedule.NewStore(database)
		sched, err := store.GetByType(args[0])
		if err != nil {
			return err
		}
		sched.Enabled = enabled
		if enabled {
			// Recompute so a long-disabled schedule doesn't fire immediately.
			next, err := sched.NextAfter(time.Now())
			if err != nil {
				return err
			}
			sched.NextRunAt = &next
		}
		if err := store.Update(sched); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", cmd.Name(), sched.JobType)
		return nil
	}
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := schedule.NewStore(database)
	sched, err := store.GetByType(args[0])
	if err != nil {
		return err
	}
	if err := store.Delete(sched.ID); err != nil {
		return err
	}
	fmt.Printf("removed schedule %s\n", sched.JobType)
	return nil
}
