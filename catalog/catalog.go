// Package catalog defines the concrete sync pipelines: catalog-sync for the
// content catalog and prayer-times for computed timetables. Stage weights
// and work-item derivation live here; execution mechanics live in pipeline.
package catalog

import (
	"context"
	"time"

	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/pipeline"
	"github.com/teranos/qafila/record"
	"github.com/teranos/qafila/upstream"
)

// Job type names for the two pipeline families.
const (
	JobTypeCatalogSync = "catalog-sync"
	JobTypePrayerTimes = "prayer-times"
)

// Deps are the shared collaborators every stage closes over.
type Deps struct {
	Client   upstream.Client
	Upserter *record.Upserter
}

// Config shapes the prayer-times cross product and upstream pacing.
type Config struct {
	// Locations to compute timetables for, e.g. "london", "istanbul".
	Locations []string
	// Methods are calculation method codes, e.g. "mwl", "isna".
	Methods []string
	// Schools are juristic school codes, e.g. "shafi", "hanafi".
	Schools []string
	// Days is the length of the date window starting today.
	Days int
	// FetchDelay paces per-item upstream calls in fetch-heavy stages.
	FetchDelay time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Methods) == 0 {
		c.Methods = []string{"mwl"}
	}
	if len(c.Schools) == 0 {
		c.Schools = []string{"shafi"}
	}
	if c.Days <= 0 {
		c.Days = 30
	}
	return c
}

// listingItems builds a stage Items function that fetches one upstream
// listing and turns each record into a work item.
func listingItems(deps Deps, req upstream.Request) func(ctx context.Context) ([]pipeline.WorkItem, error) {
	return func(ctx context.Context) ([]pipeline.WorkItem, error) {
		records, err := deps.Client.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		items := make([]pipeline.WorkItem, 0, len(records))
		for _, rec := range records {
			items = append(items, pipeline.WorkItem{ID: rec.NaturalKey, Data: rec})
		}
		return items, nil
	}
}

// upsertProcess builds a stage Process function that persists the record
// carried on the work item. Dry runs skip the write and report Skipped.
func upsertProcess(deps Deps) pipeline.ProcessFunc {
	return func(ctx context.Context, item pipeline.WorkItem, dryRun bool) (record.WriteResult, error) {
		rec, ok := item.Data.(upstream.Record)
		if !ok {
			return "", errors.Newf("work item %s carries no upstream record", item.ID)
		}
		if dryRun {
			return record.Skipped, nil
		}
		return deps.Upserter.Upsert(ctx,
			record.Key{Resource: rec.Resource, Natural: rec.NaturalKey}, rec.Payload)
	}
}

// catalogSyncPipeline syncs the content catalog top-down: resource metadata
// first, then the leaf records, then annotations and cross-references that
// point into them.
func catalogSyncPipeline(deps Deps) (*pipeline.Pipeline, error) {
	stage := func(name string, weight int, path string) pipeline.Stage {
		return pipeline.Stage{
			Name:    name,
			Weight:  weight,
			Items:   listingItems(deps, upstream.Request{Resource: name, Path: path}),
			Process: upsertProcess(deps),
		}
	}
	return pipeline.New(JobTypeCatalogSync,
		stage("resource-metadata", 20, "/v1/catalog/resources"),
		stage("leaf-records", 30, "/v1/catalog/records"),
		stage("annotations", 30, "/v1/catalog/annotations"),
		stage("cross-references", 20, "/v1/catalog/cross-references"),
	)
}
