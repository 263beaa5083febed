package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/pipeline"
	"github.com/teranos/qafila/record"
	"github.com/teranos/qafila/upstream"
)

// timetableItem is one location|date|method|school cell of the cross product.
type timetableItem struct {
	Location string
	Date     string // YYYY-MM-DD
	Method   string
	School   string
}

func (i timetableItem) key() string {
	return strings.Join([]string{i.Location, i.Date, i.Method, i.School}, "|")
}

// prayerTimesPipeline refreshes the location registry, then fetches one
// timetable per location, date, method, and school combination. The second
// stage dominates the weight because it is the cross product.
func prayerTimesPipeline(deps Deps, cfg Config) (*pipeline.Pipeline, error) {
	cfg = cfg.withDefaults()

	locations := pipeline.Stage{
		Name:    "locations",
		Weight:  10,
		Items:   listingItems(deps, upstream.Request{Resource: "locations", Path: "/v1/locations"}),
		Process: upsertProcess(deps),
	}

	timetables := pipeline.Stage{
		Name:   "timetables",
		Weight: 90,
		Delay:  cfg.FetchDelay,
		Items: func(ctx context.Context) ([]pipeline.WorkItem, error) {
			return timetableWorkItems(cfg, time.Now()), nil
		},
		Process: func(ctx context.Context, item pipeline.WorkItem, dryRun bool) (record.WriteResult, error) {
			cell, ok := item.Data.(timetableItem)
			if !ok {
				return "", errors.Newf("work item %s carries no timetable cell", item.ID)
			}

			records, err := deps.Client.Fetch(ctx, upstream.Request{
				Resource: JobTypePrayerTimes,
				Path:     "/v1/prayer-times",
				Query: map[string]string{
					"location": cell.Location,
					"date":     cell.Date,
					"method":   cell.Method,
					"school":   cell.School,
				},
			})
			if err != nil {
				return "", err
			}
			if len(records) != 1 {
				return "", errors.Newf("expected one timetable for %s, got %d", item.ID, len(records))
			}
			if dryRun {
				return record.Skipped, nil
			}
			// The natural key comes from the request cell, not the response,
			// so re-running a day is idempotent regardless of upstream quirks.
			return deps.Upserter.Upsert(ctx,
				record.Key{Resource: JobTypePrayerTimes, Natural: cell.key()},
				records[0].Payload)
		},
	}

	return pipeline.New(JobTypePrayerTimes, locations, timetables)
}

// timetableWorkItems expands the configured cross product over the date
// window starting at the current day.
func timetableWorkItems(cfg Config, from time.Time) []pipeline.WorkItem {
	var items []pipeline.WorkItem
	for day := 0; day < cfg.Days; day++ {
		date := from.AddDate(0, 0, day).Format("2006-01-02")
		for _, location := range cfg.Locations {
			for _, method := range cfg.Methods {
				for _, school := range cfg.Schools {
					cell := timetableItem{
						Location: location,
						Date:     date,
						Method:   method,
						School:   school,
					}
					items = append(items, pipeline.WorkItem{ID: cell.key(), Data: cell})
				}
			}
		}
	}
	return items
}

// Registry holds the registered pipeline families, keyed by job type.
type Registry struct {
	pipelines map[string]*pipeline.Pipeline
}

// NewRegistry builds and validates both pipeline families.
func NewRegistry(deps Deps, cfg Config) (*Registry, error) {
	catalogSync, err := catalogSyncPipeline(deps)
	if err != nil {
		return nil, err
	}
	prayerTimes, err := prayerTimesPipeline(deps, cfg)
	if err != nil {
		return nil, err
	}
	return &Registry{pipelines: map[string]*pipeline.Pipeline{
		JobTypeCatalogSync: catalogSync,
		JobTypePrayerTimes: prayerTimes,
	}}, nil
}

// Pipeline resolves a job type, satisfying the worker registry interface.
func (r *Registry) Pipeline(jobType string) (*pipeline.Pipeline, error) {
	p, ok := r.pipelines[jobType]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "no pipeline registered for %q", jobType)
	}
	return p, nil
}

// JobTypes lists the registered families in stable order.
func (r *Registry) JobTypes() []string {
	return []string{JobTypeCatalogSync, JobTypePrayerTimes}
}

var _ fmt.Stringer = timetableItem{}

// String implements fmt.Stringer for log readability.
func (i timetableItem) String() string { return i.key() }
