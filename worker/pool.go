package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/qafila/job"
)

const (
	// DefaultPollInterval is how often an idle worker checks for work.
	DefaultPollInterval = 2 * time.Second
	// claimBatchSize bounds how many pending candidates one claim pass
	// inspects while hunting for a type under its concurrency cap.
	claimBatchSize = 20
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 2, PollInterval: DefaultPollInterval}
}

// Pool polls the ledger for pending jobs and hands claimed ones to the
// supervisor. Claims go in priority order (lower first, then oldest) and
// respect each type's MaxConcurrency.
type Pool struct {
	jobs       *job.Store
	supervisor *Supervisor
	config     PoolConfig
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        *zap.SugaredLogger

	// claimMu serializes claim passes so two workers cannot both conclude a
	// type is under its concurrency cap and claim past it.
	claimMu sync.Mutex
}

// NewPool creates a worker pool.
func NewPool(ctx context.Context, jobs *job.Store, supervisor *Supervisor, cfg PoolConfig, log *zap.SugaredLogger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultPoolConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		jobs:       jobs,
		supervisor: supervisor,
		config:     cfg,
		ctx:        poolCtx,
		cancel:     cancel,
		log:        log,
	}
}

// Start recovers orphaned jobs and launches the workers. Jobs left in
// running state by a crash go back to pending with their checkpoint intact,
// so they resume rather than restart.
func (p *Pool) Start() error {
	recovered, err := p.jobs.RequeueRunning()
	if err != nil {
		return err
	}
	if recovered > 0 {
		p.log.Warnw("Recovered orphaned jobs", "count", recovered)
	}

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Infow("Worker pool started",
		"workers", p.config.Workers, "poll_interval", p.config.PollInterval)
	return nil
}

// Stop asks the workers to finish their current job and waits for them.
// In-flight runs are not cancelled; pausing or cancelling mid-run is an
// operator action, not a shutdown side effect.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Infow("Worker pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.With("worker", id)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.drain(log)
		}
	}
}

// drain claims and executes jobs back to back until nothing is claimable,
// then returns to polling.
func (p *Pool) drain(log *zap.SugaredLogger) {
	for {
		if p.ctx.Err() != nil {
			return
		}
		claimed := p.claimNext(log)
		if claimed == nil {
			return
		}
		log.Infow("Job claimed", "job_id", claimed.ID, "job_type", claimed.Type)
		// Shutdown stops claiming but must not tear down a claimed run:
		// a context-cancelled run would be persisted as failed with its
		// checkpoint gone, which is worse than the crash path RequeueRunning
		// recovers from. Stop waits on the WaitGroup for this to return.
		p.supervisor.Execute(context.WithoutCancel(p.ctx), claimed)
	}
}

// claimNext returns the best pending job whose type is under its concurrency
// cap, already transitioned to running, or nil when there is none.
func (p *Pool) claimNext(log *zap.SugaredLogger) *job.Job {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()

	pending, err := p.jobs.ListPending(claimBatchSize)
	if err != nil {
		log.Errorw("Failed to list pending jobs", "error", err)
		return nil
	}

	for _, candidate := range pending {
		settings := p.supervisor.SettingsFor(candidate.Type)
		running, err := p.jobs.CountRunningByType(candidate.Type)
		if err != nil {
			log.Errorw("Failed to count running jobs", "job_type", candidate.Type, "error", err)
			return nil
		}
		if running >= settings.MaxConcurrency {
			continue
		}

		claimed, err := p.jobs.TryClaim(candidate.ID)
		if err != nil {
			log.Errorw("Failed to claim job", "job_id", candidate.ID, "error", err)
			return nil
		}
		if !claimed {
			continue
		}

		fresh, err := p.jobs.Get(candidate.ID)
		if err != nil {
			log.Errorw("Failed to reload claimed job", "job_id", candidate.ID, "error", err)
			return nil
		}
		return fresh
	}
	return nil
}
