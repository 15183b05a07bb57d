package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forensicweb/downloader/download"
	"github.com/forensicweb/downloader/processor/mimetype"
	"github.com/forensicweb/downloader/storage"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// workerPool corresponds to an Aggregation. It spawns and instruments the
// workers that perform the actual downloads and caps them to the limit of
// the Aggregation.
type workerPool struct {
	aggr             download.Aggregation
	p                *Processor
	numActiveWorkers int32
	log              log.Logger

	// recordChan distributes popped records to the workers
	recordChan chan download.Record
}

// newWorkerPool initializes and returns a workerPool for aggr.
func (p *Processor) newWorkerPool(aggr download.Aggregation) *workerPool {
	return &workerPool{
		aggr:       aggr,
		recordChan: make(chan download.Record),
		p:          p,
		log:        log.With(p.Log, "aggregation", aggr.ID),
	}
}

// increaseWorkers atomically increases the activeWorkers counter of wp by 1
func (wp *workerPool) increaseWorkers() {
	atomic.AddInt32(&wp.numActiveWorkers, 1)

	wp.p.stats.Add(statsSpawnedWorkers, 1)
	wp.p.stats.Add(statsWorkers, 1)
	wp.p.stats.SetMax(statsMaxWorkers, wp.p.stats.Value(statsWorkers))
}

// decreaseWorkers atomically decreases the activeWorkers counter of wp by 1
func (wp *workerPool) decreaseWorkers() {
	wp.p.stats.Add(statsWorkers, -1)
	atomic.AddInt32(&wp.numActiveWorkers, -1)
}

// activeWorkers return the number of existing active workers in wp.
func (wp *workerPool) activeWorkers() int {
	return int(atomic.LoadInt32(&wp.numActiveWorkers))
}

// start starts wp. It is the core workerPool work loop. It can be stopped by
// using ctx.
//
// All worker instrumentation, record popping and shutdown logic is
// performed in start.
func (wp *workerPool) start(ctx context.Context) {
	level.Info(wp.log).Log("msg", "started working")
	startedAt := time.Now()
	// Track the number of processed downloads.
	downloads := 0

	var wg sync.WaitGroup

WORKERPOOL_LOOP:
	for {
		select {
		case <-ctx.Done():
			level.Info(wp.log).Log("msg", "received shutdown signal")
			break WORKERPOOL_LOOP
		default:
			rec, err := wp.p.Store.PopDownload(&wp.aggr)
			if err != nil {
				switch err {
				case storage.ErrEmptyQueue:
					// Stop the workerPool if
					// 1) The queue is empty
					// 2) No workers are running
					if wp.activeWorkers() == 0 {
						level.Info(wp.log).Log("msg", "closing due to inactivity")
						break WORKERPOOL_LOOP
					}
				case storage.ErrRetryLater:
					// noop
				case storage.ErrNotFound:
					// deleted after it was queued
					continue
				default:
					level.Error(wp.log).Log("msg", "could not pop download", "err", err)
				}

				// backoff & wait for workers to finish or a record to be queued
				time.Sleep(backoffDuration)
				continue
			}

			if rec.State.Terminal() {
				level.Info(wp.log).Log("msg", "skipping finished download", "image", rec.ID, "state", rec.State)
				continue
			}

			if !wp.dispatch(ctx, rec, &wg) {
				if err := wp.p.Store.QueuePendingDownload(&rec, &wp.aggr, 0); err != nil {
					level.Error(wp.log).Log("msg", "could not queue download back", "image", rec.ID, "err", err)
				}
				break WORKERPOOL_LOOP
			}
			downloads++
		}
	}

	err := wp.p.Store.RemoveAggregation(wp.aggr.ID)
	if err != nil {
		level.Error(wp.log).Log("msg", "could not remove aggregation", "err", err)
	}

	close(wp.recordChan)
	wg.Wait()

	lifetime := time.Since(startedAt).Truncate(time.Second)
	level.Info(wp.log).Log("msg", "bye", "lifetime", lifetime, "downloads", downloads)
}

// dispatch hands rec to a worker, spawning one if wp is below its limit. It
// returns false if ctx was cancelled before a worker took rec.
func (wp *workerPool) dispatch(ctx context.Context, rec download.Record, wg *sync.WaitGroup) bool {
	for {
		if wp.activeWorkers() < wp.aggr.Limit {
			wp.increaseWorkers()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer wp.decreaseWorkers()
				wp.work(ctx)
			}()
		}

		select {
		case wp.recordChan <- rec:
			return true
		case <-ctx.Done():
			return false
		// every worker may have quit due to inactivity in the meantime
		case <-time.After(backoffDuration):
		}
	}
}

// work consumes records from wp and downloads them.
func (wp *workerPool) work(ctx context.Context) {
	var validator *mimetype.Validator
	v, err := mimetype.New(wp.p.MimeType)
	if err != nil {
		level.Warn(wp.log).Log("msg", "mime type validator unavailable", "err", err)
	} else {
		validator = v
		defer validator.Close()
	}

	idle := time.NewTimer(workerMaxInactivity)
	defer idle.Stop()

	for {
		select {
		case rec, ok := <-wp.recordChan:
			if !ok {
				return
			}

			wp.p.download(ctx, rec, validator)

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(workerMaxInactivity)
		case <-idle.C:
			return
		}
	}
}
