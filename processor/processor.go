// Processor is one of the core entities of the downloader. It facilitates the
// processing of image downloads.
// Its main responsibility is to manage the creation and destruction of
// workerPools, which actually run the downloads.
//
// Each workerPool processes the records submitted by a single caller (an
// Aggregation) and caps the number of its concurrent downloads. Records are
// routed through a per aggregation queue in the store which is popped
// periodically by each workerPool. Popped records are then published to the
// workerPool's channel. Worker pools spawn worker goroutines (up to the
// aggregation limit) that consume from that channel and perform the actual
// download.
//
//   -----------------------------------------
//   |              Processor                |
//   |                                       |
//   |    ----------          ----------     |
//   |    |   WP   |          |   WP   |     |
//   |    |--------|          |--------|     |
//   |    |   W    |          |  W  W  |     |
//   |    | W   W  |          |  W  W  |     |
//   |    ----------          ----------     |
//   |                                       |
//   -----------------------------------------
//
// Cancellation and shutdown are coordinated through the use of contexts all
// along the stack.
// When a shutdown signal is received from the application it propagates from
// the processor to the active worker pools, interrupting in-progress downloads
// which are queued again for the next run.
package processor

import (
	"context"
	"crypto/tls"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forensicweb/downloader/download"
	"github.com/forensicweb/downloader/processor/diskcheck"
	"github.com/forensicweb/downloader/processor/filestorage"
	"github.com/forensicweb/downloader/stats"
	"github.com/forensicweb/downloader/storage"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

var (
	newChecker = diskcheck.New

	// Based on http.DefaultTransport
	//
	// See https://golang.org/pkg/net/http/#RoundTripper
	httpTransport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		ExpectContinueTimeout: 1 * time.Second,
		// Allow a single server-initiated renegotiation attempt
		// (local error: tls: no renegotiation).
		TLSClientConfig: &tls.Config{Renegotiation: tls.RenegotiateOnceAsClient},
	}

	errTooManyRedirects = errors.New("too many redirects")
)

const (
	workerMaxInactivity = 5 * time.Second
	backoffDuration     = 1 * time.Second

	//Metric Identifiers
	statsMaxWorkers                = "maxWorkers"                //Gauge
	statsMaxWorkerPools            = "maxWorkerPools"            //Gauge
	statsWorkers                   = "workers"                   //Gauge
	statsWorkerPools               = "workerPools"               //Gauge
	statsDiskUsage                 = "diskUsage"                 //Gauge
	statsSpawnedWorkerPools        = "spawnedWorkerPools"        //Counter
	statsSpawnedWorkers            = "spawnedWorkers"            //Counter
	statsCompleted                 = "completed"                 //Counter
	statsFailures                  = "failures"                  //Counter
	statsBytes                     = "bytes"                     //Counter
	statsSwept                     = "swept"                     //Counter
	statsResponseCodePrefix        = "download.response."        //Counter
	statsFailureKindPrefix         = "download.failure."         //Counter
	statsReaperFailures            = "reaperFailures"            //Counter
	statsReaperSuccessfulDeletions = "reaperSuccessfulDeletions" //Counter
)

// Limits bound a single download.
type Limits struct {
	// MaxSize is the payload ceiling, MinSize the floor, in bytes.
	MaxSize int64
	MinSize int64

	// ChunkSize is the unit read from the response and written to disk.
	ChunkSize int64

	// Progress is persisted every ProgressInterval bytes.
	ProgressInterval int64

	// SoftTimeout bounds the whole transfer. Once HardTimeout elapses the
	// download is failed no matter what the runner is doing.
	SoftTimeout time.Duration
	HardTimeout time.Duration

	MaxRedirects int
}

// DefaultLimits are used by New.
var DefaultLimits = Limits{
	MaxSize:          10 << 30,
	MinSize:          1 << 10,
	ChunkSize:        1 << 20,
	ProgressInterval: 8 << 20,
	SoftTimeout:      time.Hour + 55*time.Minute,
	HardTimeout:      2 * time.Hour,
	MaxRedirects:     10,
}

type Processor struct {
	Store storage.Store

	// ScanInterval is the time to wait before re-scanning the store for new
	// Aggregations.
	ScanInterval time.Duration

	// StorageDir is the filesystem location where the images are saved.
	StorageDir string

	// The client that will be used for the download requests
	Client *http.Client

	// The User-Agent and any extra headers to set in download requests
	UserAgent      string
	RequestHeaders map[string]string

	Limits Limits

	// MimeType, if set, is a comma separated list of mime type globs the
	// payload must satisfy, e.g. "!text/html".
	MimeType string

	// Archive receives a copy of every completed image, if set.
	Archive filestorage.FileStorage

	// Records stuck in DOWNLOADING longer than HardTimeout + SweepGrace
	// are failed every SweepInterval.
	SweepInterval time.Duration
	SweepGrace    time.Duration

	DiskHigh, DiskLow int
	DiskInterval      time.Duration

	Log log.Logger

	// Interval between each stats flush
	StatsIntvl time.Duration

	// pools contain the existing worker pools
	pools map[string]*workerPool

	// active holds the ids of the downloads running in this process
	active sync.Map

	stats *stats.Stats
	now   func() time.Time
}

// New initializes and returns a Processor, or an error if storageDir
// is not writable.
func New(store storage.Store, scanInterval time.Duration, storageDir string, logger log.Logger) (*Processor, error) {
	if err := checkWritable(storageDir); err != nil {
		return nil, fmt.Errorf("error verifying storage directory is writable: %w", err)
	}

	p := &Processor{
		Store:         store,
		StorageDir:    storageDir,
		ScanInterval:  scanInterval,
		StatsIntvl:    5 * time.Second,
		Limits:        DefaultLimits,
		SweepInterval: time.Minute,
		SweepGrace:    time.Minute,
		DiskHigh:      95,
		DiskLow:       90,
		DiskInterval:  time.Minute,
		Log:           log.With(logger, "component", "processor"),
		pools:         make(map[string]*workerPool),
		stats:         stats.New("processor", time.Second, nil),
		now:           time.Now,
	}
	p.Client = &http.Client{
		Transport:     httpTransport,
		CheckRedirect: p.checkRedirect,
	}
	return p, nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, os.FileMode(0755)); err != nil {
		return err
	}
	tmpf, err := os.CreateTemp(dir, "write-check-")
	if err != nil {
		return err
	}
	defer os.Remove(tmpf.Name())

	if _, err = tmpf.Write([]byte("a")); err != nil {
		tmpf.Close()
		return err
	}
	return tmpf.Close()
}

// checkRedirect caps the redirect chain of a download. len(via) is the
// number of requests already made.
func (p *Processor) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > p.Limits.MaxRedirects {
		return errTooManyRedirects
	}
	return nil
}

// Start starts p.
//
// It fails downloads left over by a previous run, spawns the helper
// goroutines and starts spawning worker pools by scanning the store for
// Aggregations. Sending on closeCh shuts p down, p replies on closeCh once
// every goroutine returned.
func (p *Processor) Start(closeCh chan struct{}) {
	level.Info(p.Log).Log("msg", "starting", "storage_dir", p.StorageDir)

	ctx, cancel := context.WithCancel(context.Background())

	p.stats = stats.New("processor", p.StatsIntvl,
		func(m *expvar.Map) {
			err := p.Store.SetStats("processor", m.String(), 2*p.StatsIntvl) // Autoremove stats after 2 times the interval
			if err != nil {
				level.Warn(p.Log).Log("msg", "could not report stats", "err", err)
			}
		})
	go p.stats.Run(ctx)

	p.sweep()

	var processorWg sync.WaitGroup
	processorWg.Add(2)
	go func() {
		defer processorWg.Done()
		p.reaper(ctx)
	}()
	go func() {
		defer processorWg.Done()
		p.sweeper(ctx)
	}()

	var diskHealth <-chan diskcheck.Health
	diskChecker, err := newChecker(p.StorageDir, p.DiskHigh, p.DiskLow, p.DiskInterval, p.Log)
	if err != nil {
		level.Error(p.Log).Log("msg", "disk checker disabled", "err", err)
	} else {
		diskHealth = diskChecker.C()
		processorWg.Add(1)
		go func() {
			defer processorWg.Done()
			diskChecker.Run(ctx)
		}()
	}

	// Spawn worker pools loop with a separate context
	// so we can stop it independently.
	var loopWg sync.WaitGroup
	loopCtx, loopCancel := context.WithCancel(context.Background())
	spawnLoop := func(ctx context.Context) {
		defer loopWg.Done()
		p.spawnPools(ctx)
	}
	loopWg.Add(1)
	go spawnLoop(loopCtx)

PROCESSOR_LOOP:
	for {
		select {
		case health := <-diskHealth:
			p.stats.Set(statsDiskUsage, intVar(int64(diskChecker.Usage())))
			if health == diskcheck.Sick {
				level.Warn(p.Log).Log("msg", "sick disk, stopping the worker pool loop", "usage", diskChecker.Usage())
				loopCancel()
				loopWg.Wait()
			} else {
				level.Info(p.Log).Log("msg", "healthy disk, starting the worker pool loop", "usage", diskChecker.Usage())
				loopCtx, loopCancel = context.WithCancel(context.Background())
				loopWg.Add(1)
				go spawnLoop(loopCtx)
			}
		case <-closeCh:
			loopCancel()
			cancel()
			break PROCESSOR_LOOP
		}
	}

	level.Info(p.Log).Log("msg", "shutting down")
	loopWg.Wait()
	processorWg.Wait()
	closeCh <- struct{}{}
}

// spawnPools spawns & monitors worker pools. When ctx is done, it forcibly
// stops all workers, cleans up the pools map & waits for all goroutines to
// finish.
func (p *Processor) spawnPools(ctx context.Context) {
	workerClose := make(chan string)
	var poolWg sync.WaitGroup
	scanTicker := time.NewTicker(p.ScanInterval)
	defer scanTicker.Stop()

POOLS_LOOP:
	for {
		select {
		// An Aggregation worker pool closed due to inactivity
		case aggrID := <-workerClose:
			delete(p.pools, aggrID)
			p.stats.Add(statsWorkerPools, -1)
		// Note that we don't have to explicitly cancel the spawned worker
		// pools since they share the same context.
		case <-ctx.Done():
			break POOLS_LOOP
		case <-scanTicker.C:
			ids, err := p.Store.PendingAggregations()
			if err != nil {
				level.Error(p.Log).Log("msg", "could not scan aggregations", "err", err)
			}

			for _, aggrID := range ids {
				if _, ok := p.pools[aggrID]; ok {
					continue
				}
				aggr, err := p.Store.GetAggregation(aggrID)
				if err != nil {
					if err != storage.ErrNotFound {
						level.Error(p.Log).Log("msg", "could not fetch aggregation", "aggregation", aggrID, "err", err)
						continue
					}
					level.Warn(p.Log).Log("msg", "missing aggregation, using default limit", "aggregation", aggr.ID, "limit", aggr.Limit)
				}
				wp := p.newWorkerPool(aggr)
				p.pools[aggrID] = wp

				p.stats.Add(statsWorkerPools, 1)
				p.stats.Add(statsSpawnedWorkerPools, 1)
				p.stats.SetMax(statsMaxWorkerPools, int64(len(p.pools)))

				poolWg.Add(1)
				go func() {
					defer poolWg.Done()
					wp.start(ctx)
					// The processor only needs to be informed about non-forced close ( without context-cancel )
					if ctx.Err() == nil {
						workerClose <- wp.aggr.ID
					}
				}()
			}
		}
	}

	poolWg.Wait()
	// All worker pools have stopped, it's safe to empty the pool.
	for k := range p.pools {
		delete(p.pools, k)
	}
}

// storagePath is the location of the image of id.
func (p *Processor) storagePath(id string) string {
	return filepath.Join(p.StorageDir, download.RelativePath(id))
}

// storageFile creates or truncates the file of r.
func (p *Processor) storageFile(r *download.Record) (*os.File, error) {
	err := os.MkdirAll(filepath.Dir(r.FilePath), os.FileMode(0755))
	if err != nil {
		return nil, err
	}
	return os.OpenFile(r.FilePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

// removeFile deletes path, logging failures. A missing file is fine.
func (p *Processor) removeFile(logger log.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		level.Warn(logger).Log("msg", "could not remove file", "path", path, "err", err)
	}
}

// sweeper fails stale downloads every SweepInterval until ctx is done.
func (p *Processor) sweeper(ctx context.Context) {
	if p.SweepInterval <= 0 {
		return
	}
	tick := time.NewTicker(p.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			p.sweep()
		}
	}
}

// sweep fails every record that is DOWNLOADING for longer than the hard
// timeout plus the grace period and is not running in this process. These
// are leftovers of a processor that died without cleaning up.
func (p *Processor) sweep() {
	deadline := p.Limits.HardTimeout + p.SweepGrace
	now := p.now()
	var swept int

	err := p.Store.ScanRecords(func(r download.Record) error {
		if r.State != download.StateDownloading || now.Sub(r.StartedAt) <= deadline {
			return nil
		}
		// Hold the slot of r so no local runner picks it up while it is
		// failed, and re-read it in case a runner began it after the scan.
		if _, running := p.active.LoadOrStore(r.ID, struct{}{}); running {
			return nil
		}
		defer p.active.Delete(r.ID)

		cur, err := p.Store.GetRecord(r.ID)
		if err != nil {
			if err != storage.ErrNotFound {
				level.Error(p.Log).Log("msg", "could not reload stale download", "image", r.ID, "err", err)
			}
			return nil
		}
		if cur.State != download.StateDownloading || !cur.StartedAt.Equal(r.StartedAt) {
			return nil
		}
		r = cur

		p.removeFile(p.Log, r.FilePath)
		r.State = download.StateError
		r.ErrorMessage = fmt.Sprintf("interrupted: download did not finish within %s", p.Limits.HardTimeout)
		r.CompletedAt = now
		if err := p.Store.SaveRecord(&r); err != nil {
			level.Error(p.Log).Log("msg", "could not fail stale download", "image", r.ID, "err", err)
			return nil
		}
		if err := p.Store.QueueEvent(r.ID, 0); err != nil {
			level.Error(p.Log).Log("msg", "could not queue event", "image", r.ID, "err", err)
		}
		swept++
		return nil
	})
	if err != nil {
		level.Error(p.Log).Log("msg", "could not scan for stale downloads", "err", err)
	}

	if swept > 0 {
		p.stats.Add(statsSwept, int64(swept))
		level.Warn(p.Log).Log("msg", "failed stale downloads", "count", swept)
	}
}

// reaper is responsible of deleting records (along with their images) that
// have been reported as not needed any more.
// It consumes using PopRip and acts on the provided ids.
func (p *Processor) reaper(ctx context.Context) {
	logger := log.With(p.Log, "task", "reaper")
	for {
		select {
		case <-ctx.Done():
			level.Info(logger).Log("msg", "exiting")
			return
		default:
			id, err := p.Store.PopRip()
			if err != nil {
				if err != storage.ErrEmptyQueue && err != storage.ErrRetryLater {
					level.Error(logger).Log("msg", "could not pop from deletion queue", "err", err)
				}
				time.Sleep(backoffDuration)
				continue
			}

			if err = p.reap(id); err != nil {
				level.Error(logger).Log("msg", "could not delete image", "image", id, "err", err)
				p.stats.Add(statsReaperFailures, 1)
				continue
			}
			level.Info(logger).Log("msg", "deleted image", "image", id)
			p.stats.Add(statsReaperSuccessfulDeletions, 1)
		}
	}
}

func (p *Processor) reap(id string) error {
	r, err := p.Store.GetRecord(id)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !r.State.Terminal() {
		return fmt.Errorf("image is %s", r.State)
	}

	path := r.FilePath
	if path == "" {
		path = p.storagePath(id)
	}
	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err = p.Store.ClearEventAttempts(id); err != nil {
		return err
	}
	return p.Store.RemoveRecord(id)
}

func intVar(v int64) *expvar.Int {
	i := new(expvar.Int)
	i.Set(v)
	return i
}
