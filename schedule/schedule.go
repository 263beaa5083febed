// Package schedule provides recurring sync configuration: one cron-driven
// row per pipeline family, and the ticker that enqueues due jobs.
package schedule

import (
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/teranos/qafila/errors"
)

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Schedule is the recurring configuration for one job type. JobType is
// unique; a pipeline family has at most one schedule.
type Schedule struct {
	ID             string
	JobType        string
	Enabled        bool
	CronExpression string
	Priority       int
	MaxConcurrency int
	TimeoutMinutes int
	RetryAttempts  int
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New creates an enabled schedule with its first run computed from now.
func New(jobType, cronExpression string) (*Schedule, error) {
	if jobType == "" {
		return nil, errors.New("schedule job type cannot be empty")
	}
	spec, err := cronParser.Parse(cronExpression)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", cronExpression)
	}

	now := time.Now()
	next := spec.Next(now)
	return &Schedule{
		ID:             uuid.NewString(),
		JobType:        jobType,
		Enabled:        true,
		CronExpression: cronExpression,
		Priority:       100,
		MaxConcurrency: 1,
		TimeoutMinutes: 60,
		NextRunAt:      &next,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// NextAfter computes the run following t according to the cron expression.
func (s *Schedule) NextAfter(t time.Time) (time.Time, error) {
	spec, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", s.CronExpression)
	}
	return spec.Next(t), nil
}

// Due reports whether the schedule should fire at or before now.
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now)
}
