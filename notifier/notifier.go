// Package notifier publishes the outcome of finished downloads to the
// downstream analysis pipeline through the configured backends.
package notifier

import (
	"context"
	"expvar"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forensicweb/downloader/backend"
	httpbackend "github.com/forensicweb/downloader/backend/http_backend"
	kafkabackend "github.com/forensicweb/downloader/backend/kafka_backend"
	postgresbackend "github.com/forensicweb/downloader/backend/postgres_backend"
	sqsbackend "github.com/forensicweb/downloader/backend/sqs_backend"
	"github.com/forensicweb/downloader/download"
	"github.com/forensicweb/downloader/stats"
	"github.com/forensicweb/downloader/storage"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

const (
	statsDelivered        = "delivered"
	statsFailedDeliveries = "failedDeliveries"
	statsRetried          = "retried"
	statsDropped          = "dropped"
	statsPopped           = "popped"
)

// backends holds the constructors of the available backends by ID.
var backends = map[string]func() backend.Backend{
	"http":     func() backend.Backend { return &httpbackend.Backend{} },
	"kafka":    func() backend.Backend { return &kafkabackend.Backend{} },
	"sqs":      func() backend.Backend { return &sqsbackend.Backend{} },
	"postgres": func() backend.Backend { return &postgresbackend.Backend{} },
}

// destinationKeys names the setting that holds the destination of each
// backend. The setting is not passed on to the backend.
var destinationKeys = map[string]string{
	"http":     "url",
	"kafka":    "topic",
	"sqs":      "queue_url",
	"postgres": "table",
}

// target is a started backend along with where it publishes to.
type target struct {
	backend.Backend
	dst      string
	settings map[string]interface{}
}

// Notifier is the component responsible for consuming the events of
// finished downloads and publishing them to every configured backend.
//
// Events that could not be delivered are retried with a linear backoff,
// up to MaxRetries times.
type Notifier struct {
	Store        storage.Store
	Log          log.Logger
	StatsIntvl   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	PollInterval time.Duration

	concurrency int
	targets     []target
	stats       *stats.Stats
	evChan      chan download.Record
}

// New returns a Notifier publishing to the backends configured in cfg,
// keyed by backend ID. The backends are started by Start.
func New(s storage.Store, concurrency int, logger log.Logger, cfg map[string]map[string]interface{}) (Notifier, error) {
	if concurrency <= 0 {
		return Notifier{}, fmt.Errorf("notifier concurrency must be a positive number, got %d", concurrency)
	}

	ids := make([]string, 0, len(cfg))
	for id := range cfg {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var targets []target
	for _, id := range ids {
		t, err := newTarget(id, cfg[id])
		if err != nil {
			return Notifier{}, err
		}
		targets = append(targets, t)
	}

	return Notifier{
		Store:        s,
		Log:          log.With(logger, "component", "notifier"),
		StatsIntvl:   5 * time.Second,
		MaxRetries:   5,
		RetryBackoff: 30 * time.Second,
		PollInterval: time.Second,
		concurrency:  concurrency,
		targets:      targets,
		stats:        stats.New("notifier", time.Second, nil),
		evChan:       make(chan download.Record),
	}, nil
}

func newTarget(id string, cfg map[string]interface{}) (target, error) {
	newBackend, ok := backends[id]
	if !ok {
		return target{}, fmt.Errorf("unknown notification backend %q", id)
	}

	settings := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		settings[k] = v
	}

	key := destinationKeys[id]
	dst, _ := settings[key].(string)
	delete(settings, key)
	if dst == "" && id == "postgres" {
		dst = postgresbackend.DefaultTable
	}
	if dst == "" {
		return target{}, fmt.Errorf("backend %s: %s must be a non-empty string", id, key)
	}

	return target{Backend: newBackend(), dst: dst, settings: settings}, nil
}

// Start starts the Notifier loop and instruments the worker goroutines that
// publish the events. It returns once a value is received on closeChan,
// after all backends are stopped, and signals back on closeChan.
func (n *Notifier) Start(closeChan chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.stats = stats.New("notifier", n.StatsIntvl,
		func(m *expvar.Map) {
			err := n.Store.SetStats("notifier", m.String(), 2*n.StatsIntvl)
			if err != nil {
				level.Warn(n.Log).Log("msg", "could not report stats", "err", err)
			}
		})
	go n.stats.Run(ctx)

	var started []target
	for _, t := range n.targets {
		if err := n.startTarget(ctx, t); err != nil {
			level.Error(n.Log).Log("msg", "could not start backend, events will not be published to it",
				"backend", t.ID(), "err", err)
			continue
		}
		started = append(started, t)
	}
	n.targets = started

	var reportsWg sync.WaitGroup
	reportsWg.Add(len(n.targets))
	for _, t := range n.targets {
		go func(t target) {
			defer reportsWg.Done()
			n.collect(t)
		}(t)
	}

	var wg sync.WaitGroup
	wg.Add(n.concurrency)
	for i := 0; i < n.concurrency; i++ {
		go func() {
			defer wg.Done()
			for rec := range n.evChan {
				n.Notify(rec)
			}
		}()
	}

	for {
		select {
		case <-closeChan:
			close(n.evChan)
			wg.Wait()
			for _, t := range n.targets {
				if err := t.Stop(); err != nil {
					level.Error(n.Log).Log("msg", "could not stop backend", "backend", t.ID(), "err", err)
				}
			}
			reportsWg.Wait()
			closeChan <- struct{}{}
			return
		default:
			rec, err := n.Store.PopEvent()
			if err != nil {
				switch err {
				case storage.ErrEmptyQueue, storage.ErrRetryLater:
					time.Sleep(n.PollInterval)
				case storage.ErrNotFound:
					// the record was deleted before its event went out
				default:
					level.Error(n.Log).Log("msg", "could not pop event", "err", err)
					time.Sleep(n.PollInterval)
				}
				continue
			}
			n.stats.Add(statsPopped, 1)
			n.evChan <- rec
		}
	}
}

func (n *Notifier) startTarget(ctx context.Context, t target) error {
	if err := t.Start(ctx, t.settings); err != nil {
		return err
	}
	if c, ok := t.Backend.(interface{ EnsureTable(string) error }); ok {
		if err := c.EnsureTable(t.dst); err != nil {
			t.Stop()
			return err
		}
	}
	level.Info(n.Log).Log("msg", "started backend", "backend", t.ID(), "destination", t.dst)
	return nil
}

// Notify publishes the event of rec to every backend. If any of them
// fails the event is retried. The attempt counter of an image is only
// cleared when its event is dropped or its record reaped, since
// asynchronous failures may still be reported after Notify returns.
func (n *Notifier) Notify(rec download.Record) {
	logger := log.With(n.Log, "image", rec.ID)

	ev, err := rec.Event()
	if err != nil {
		level.Error(logger).Log("msg", "dropping event", "err", err)
		n.clearAttempts(logger, rec.ID)
		return
	}

	failed := false
	for _, t := range n.targets {
		if err := t.Notify(t.dst, ev); err != nil {
			n.stats.Add(statsFailedDeliveries, 1)
			level.Warn(logger).Log("msg", "could not publish event", "backend", t.ID(), "err", err)
			failed = true
		}
	}

	if failed {
		n.retryOrFail(logger, rec.ID)
	}
}

// collect consumes the delivery reports of t until its channel is closed.
// Failures reported asynchronously are retried like synchronous ones.
func (n *Notifier) collect(t target) {
	for rep := range t.DeliveryReports() {
		logger := log.With(n.Log, "image", rep.Event.ImageID, "backend", t.ID())
		if rep.Delivered {
			n.stats.Add(statsDelivered, 1)
			level.Debug(logger).Log("msg", "event delivered")
			continue
		}

		n.stats.Add(statsFailedDeliveries, 1)
		level.Warn(logger).Log("msg", "event delivery failed", "err", rep.DeliveryError)
		if rep.Event.ImageID != "" {
			n.retryOrFail(logger, rep.Event.ImageID)
		}
	}
}

// retryOrFail queues the event of id again after a backoff growing with
// each attempt, or drops it once MaxRetries is exceeded.
func (n *Notifier) retryOrFail(logger log.Logger, id string) {
	attempts, err := n.Store.IncrEventAttempts(id)
	if err != nil {
		level.Error(logger).Log("msg", "could not count delivery attempts", "err", err)
		return
	}

	if attempts > int64(n.MaxRetries) {
		n.stats.Add(statsDropped, 1)
		level.Error(logger).Log("msg", "giving up on event", "attempts", attempts)
		n.clearAttempts(logger, id)
		return
	}

	delay := time.Duration(attempts) * n.RetryBackoff
	if err := n.Store.QueueEvent(id, delay); err != nil {
		level.Error(logger).Log("msg", "could not requeue event", "err", err)
		return
	}
	n.stats.Add(statsRetried, 1)
	level.Info(logger).Log("msg", "event requeued", "attempt", attempts, "delay", delay)
}

func (n *Notifier) clearAttempts(logger log.Logger, id string) {
	if err := n.Store.ClearEventAttempts(id); err != nil {
		level.Warn(logger).Log("msg", "could not clear delivery attempts", "err", err)
	}
}
