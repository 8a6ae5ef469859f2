// Package worker drains a workqueue.Queue and runs each claimed item
// through a dispatcher.Dispatcher, reporting completion or failure back
// to the queue so retries and the lock-expiry reaper behave correctly.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketspine/core"
	"marketspine/dispatcher"
	"marketspine/observability"
	"marketspine/workqueue"
)

// Config configures a Pool.
type Config struct {
	// Concurrency is how many claim/process goroutines run.
	Concurrency int
	// Domains restricts claims to these domains; empty means any domain.
	Domains []string
	// PollInterval is how long a worker sleeps after an empty claim.
	PollInterval time.Duration
	// ReapInterval is how often the lock-expiry reaper runs. Zero disables it.
	ReapInterval time.Duration
	// MaxLockAge is the reaper's expiry threshold.
	MaxLockAge time.Duration
}

// DefaultConfig uses a 30-minute reaper threshold.
func DefaultConfig() Config {
	return Config{
		Concurrency:  3,
		PollInterval: 2 * time.Second,
		ReapInterval: 5 * time.Minute,
		MaxLockAge:   30 * time.Minute,
	}
}

// Pool runs Config.Concurrency workers against queue, submitting each
// claimed item to dispatcher and reporting its outcome back.
type Pool struct {
	queue      workqueue.Queue
	dispatcher *dispatcher.Dispatcher
	cfg        Config
	log        *logrus.Entry
	metrics    *observability.Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool builds a Pool. log and metrics may be nil, in which case a
// default logrus logger and a fresh private metrics registry are used.
func NewPool(queue workqueue.Queue, d *dispatcher.Dispatcher, cfg Config, log *logrus.Entry, metrics *observability.Metrics) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if metrics == nil {
		metrics = observability.NewMetrics("")
	}
	return &Pool{queue: queue, dispatcher: d, cfg: cfg, log: log, metrics: metrics, stopCh: make(chan struct{})}
}

// Start launches the worker goroutines and, if configured, the reaper.
// It returns immediately; call Stop to shut the pool down.
func (p *Pool) Start(ctx context.Context) {
	p.log.WithField("workers", p.cfg.Concurrency).Info("worker pool starting")

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	if p.cfg.ReapInterval > 0 {
		p.wg.Add(1)
		go p.runReaper(ctx)
	}
}

// Stop signals every worker to finish its current iteration and exit,
// then blocks until they have.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	workerID := core.NewBatchID("worker")
	log := p.log.WithField("worker_id", id)
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping: context cancelled")
			return
		case <-p.stopCh:
			log.Info("worker stopping")
			return
		default:
		}

		if p.processNext(ctx, workerID, log) {
			continue // immediately look for more work
		}
		select {
		case <-time.After(p.cfg.PollInterval):
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// processNext claims and runs one item. It returns true if an item was
// found (so the caller should poll again immediately).
func (p *Pool) processNext(ctx context.Context, workerID string, log *logrus.Entry) bool {
	item, err := p.queue.Claim(ctx, workerID, p.cfg.Domains)
	if err != nil {
		log.WithError(err).Warn("claim failed")
		return false
	}
	if item == nil {
		return false
	}

	itemLog := log.WithFields(logrus.Fields{"item_id": item.ID, "pipeline": item.Pipeline, "domain": item.Domain})
	itemLog.Info("claimed work item")
	p.metrics.RecordWorkItemClaimed(item.Domain, item.Pipeline)

	terminal := item.AttemptCount >= item.MaxAttempts

	params := core.Params(item.Params)
	exec, err := p.dispatcher.Submit(item.Pipeline, params, core.TriggerScheduler, "")
	if err != nil {
		itemLog.WithError(err).Error("dispatch failed before pipeline ran")
		if failErr := p.queue.Fail(ctx, item.ID, err); failErr != nil {
			itemLog.WithError(failErr).Error("failed to record work item failure")
		}
		p.metrics.RecordWorkItemFailed(item.Domain, item.Pipeline, terminal)
		return true
	}

	if exec.Status == core.PipelineFailed {
		itemLog.WithError(exec.Result.Error).Warn("pipeline run failed")
		if failErr := p.queue.Fail(ctx, item.ID, exec.Result.Error); failErr != nil {
			itemLog.WithError(failErr).Error("failed to record work item failure")
		}
		p.metrics.RecordWorkItemFailed(item.Domain, item.Pipeline, terminal)
		return true
	}

	if err := p.queue.Complete(ctx, item.ID); err != nil {
		itemLog.WithError(err).Error("failed to record work item completion")
	} else {
		itemLog.Info("work item completed")
	}
	return true
}

func (p *Pool) runReaper(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.queue.ReapExpired(ctx, p.cfg.MaxLockAge)
			if err != nil {
				p.log.WithError(err).Warn("reap failed")
				continue
			}
			if n > 0 {
				p.log.WithField("reaped", n).Info("reaped expired locks")
				p.metrics.ReaperRecovered.Add(float64(n))
			}
		}
	}
}
