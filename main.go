package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forensicweb/downloader/api"
	"github.com/forensicweb/downloader/config"
	"github.com/forensicweb/downloader/notifier"
	"github.com/forensicweb/downloader/processor"
	"github.com/forensicweb/downloader/processor/filestorage"
	"github.com/forensicweb/downloader/storage"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis"
	"github.com/urfave/cli"
)

var (
	sigCh  = make(chan os.Signal, 1)
	cfg    config.Config
	logger log.Logger
)

func main() {
	logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	configFlag := cli.StringFlag{
		Name:   "config, c",
		Usage:  "`FILE` to load config from",
		EnvVar: config.EnvPrefix + "_CONFIG",
	}
	listenFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "host",
			Usage: "`HOST` to listen on",
			Value: "0.0.0.0",
		},
		cli.IntFlag{
			Name:  "port, p",
			Usage: "`PORT` to listen on",
			Value: 8000,
		},
		configFlag,
	}

	app := cli.NewApp()
	app.Name = "downloader"
	app.Usage = "Asynchronous download service for memory images"
	app.HideVersion = true

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "api",
			Usage: "Start the API web server",
			Flags: listenFlags,
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				store, err := redisStore("api")
				if err != nil {
					return err
				}
				as := newAPI(store, c.String("host"), c.Int("port"))
				go serve(as)

				<-sigCh
				return shutdown(as)
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:  "processor",
			Usage: "Start the download processor",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				store, err := redisStore("processor")
				if err != nil {
					return err
				}
				p, err := newProcessor(store)
				if err != nil {
					return err
				}

				closeChan := make(chan struct{})
				go p.Start(closeChan)

				<-sigCh
				level.Info(p.Log).Log("msg", "shutting down, waiting for worker pools to finish")
				closeChan <- struct{}{}
				<-closeChan
				level.Info(p.Log).Log("msg", "bye")
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:  "notifier",
			Usage: "Start the event notifier",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				store, err := redisStore("notifier")
				if err != nil {
					return err
				}
				n, err := newNotifier(store)
				if err != nil {
					return err
				}

				closeChan := make(chan struct{})
				go n.Start(closeChan)

				<-sigCh
				level.Info(n.Log).Log("msg", "shutting down, waiting for the notifier to finish")
				closeChan <- struct{}{}
				<-closeChan
				level.Info(n.Log).Log("msg", "bye")
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:  "standalone",
			Usage: "Run the API, the processor and the notifier in one process over in-memory storage",
			Flags: listenFlags,
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				s, err := startStandalone(storage.NewMemory(), c.String("host"), c.Int("port"))
				if err != nil {
					return err
				}
				go serve(s.api)

				<-sigCh
				return s.stop()
			},
			Before: parseConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

// parseConfig loads the configuration of the command from the provided
// config file and the environment.
func parseConfig(c *cli.Context) error {
	var err error
	cfg, err = config.Parse(c.String("config"))
	return err
}

// redisStore connects to Redis, through Sentinel when configured. name is
// set as the client name of every connection.
func redisStore(name string) (*storage.Redis, error) {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}

	var client *redis.Client
	if len(cfg.Redis.Sentinel) > 0 {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Redis.MasterName,
			SentinelAddrs: cfg.Redis.Sentinel,
			OnConnect:     setName,
		})
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, OnConnect: setName})
	}
	return storage.NewRedis(client)
}

func newAPI(store storage.Store, host string, port int) *api.API {
	return api.New(store, host, port, cfg.API.HeartbeatPath, cfg.Processor.Concurrency, logger)
}

func serve(as *api.API) {
	level.Info(as.Log).Log("msg", "listening", "addr", as.Server.Addr)
	err := as.Server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		level.Error(as.Log).Log("msg", "server failed", "err", err)
		os.Exit(1)
	}
}

func shutdown(as *api.API) error {
	level.Info(as.Log).Log("msg", "shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := as.Server.Shutdown(ctx); err != nil {
		return err
	}
	level.Info(as.Log).Log("msg", "bye")
	return nil
}

func newProcessor(store storage.Store) (*processor.Processor, error) {
	pc := cfg.Processor

	p, err := processor.New(store, time.Duration(pc.ScanInterval), pc.StorageDir, logger)
	if err != nil {
		return nil, err
	}

	p.UserAgent = pc.UserAgent
	p.RequestHeaders = pc.RequestHeaders
	p.MimeType = pc.MimeType
	p.Limits = processor.Limits{
		MaxSize:          int64(pc.MaxSize),
		MinSize:          int64(pc.MinSize),
		ChunkSize:        int64(pc.ChunkSize),
		ProgressInterval: int64(pc.ProgressInterval),
		SoftTimeout:      time.Duration(pc.SoftTimeout),
		HardTimeout:      time.Duration(pc.HardTimeout),
		MaxRedirects:     pc.MaxRedirects,
	}
	p.SweepInterval = time.Duration(pc.SweepInterval)
	p.SweepGrace = time.Duration(pc.SweepGrace)
	p.StatsIntvl = time.Duration(pc.StatsInterval)
	p.DiskHigh, p.DiskLow = pc.DiskHigh, pc.DiskLow
	p.DiskInterval = time.Duration(pc.DiskInterval)

	if kind := pc.Archive["type"]; kind != "" {
		p.Archive, err = filestorage.New(kind, pc.Archive["root"], pc.Archive["region"])
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
	}
	return p, nil
}

func newNotifier(store storage.Store) (notifier.Notifier, error) {
	nc := cfg.Notifier

	n, err := notifier.New(store, nc.Concurrency, logger, cfg.Backends)
	if err != nil {
		return n, err
	}
	n.MaxRetries = nc.MaxRetries
	n.RetryBackoff = time.Duration(nc.RetryBackoff)
	n.StatsIntvl = time.Duration(nc.StatsInterval)
	return n, nil
}

// standalone is every component of the service sharing one store.
type standalone struct {
	api       *api.API
	processor *processor.Processor
	notifier  *notifier.Notifier
	closers   []chan struct{}
}

func startStandalone(store storage.Store, host string, port int) (*standalone, error) {
	p, err := newProcessor(store)
	if err != nil {
		return nil, err
	}
	n, err := newNotifier(store)
	if err != nil {
		return nil, err
	}

	s := &standalone{
		api:       newAPI(store, host, port),
		processor: p,
		notifier:  &n,
		closers:   []chan struct{}{make(chan struct{}), make(chan struct{})},
	}
	go s.processor.Start(s.closers[0])
	go s.notifier.Start(s.closers[1])
	return s, nil
}

// stop stops the API first, so no download is accepted while the
// processor and the notifier drain.
func (s *standalone) stop() error {
	err := shutdown(s.api)
	for _, c := range s.closers {
		c <- struct{}{}
		<-c
	}
	return err
}
