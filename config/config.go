package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g.
// DOWNLOADER_PROCESSOR_STORAGE_DIR.
const EnvPrefix = "DOWNLOADER"

// Config holds the app's configuration
type Config struct {
	Redis struct {
		Addr string `json:"addr" envconfig:"addr"`
		// Sentinel settings
		// List of Sentinel Hosts
		Sentinel []string `json:"sentinel" envconfig:"sentinel"`
		// Sentinel Master Name
		MasterName string `json:"master_name" envconfig:"master_name"`
	} `json:"redis" envconfig:"redis"`

	API struct {
		HeartbeatPath string `json:"heartbeat_path" envconfig:"heartbeat_path"`
	} `json:"api" envconfig:"api"`

	Processor struct {
		StorageDir       string            `json:"storage_dir" envconfig:"storage_dir"`
		UserAgent        string            `json:"user_agent" envconfig:"user_agent"`
		RequestHeaders   map[string]string `json:"request_headers" envconfig:"request_headers"`
		MaxSize          Bytes             `json:"max_size" envconfig:"max_size"`
		MinSize          Bytes             `json:"min_size" envconfig:"min_size"`
		ChunkSize        Bytes             `json:"chunk_size" envconfig:"chunk_size"`
		ProgressInterval Bytes             `json:"progress_interval" envconfig:"progress_interval"`
		SoftTimeout      Duration          `json:"soft_timeout" envconfig:"soft_timeout"`
		HardTimeout      Duration          `json:"hard_timeout" envconfig:"hard_timeout"`
		MaxRedirects     int               `json:"max_redirects" envconfig:"max_redirects"`
		MimeType         string            `json:"mime_type" envconfig:"mime_type"`
		Concurrency      int               `json:"concurrency" envconfig:"concurrency"`
		ScanInterval     Duration          `json:"scan_interval" envconfig:"scan_interval"`
		SweepInterval    Duration          `json:"sweep_interval" envconfig:"sweep_interval"`
		SweepGrace       Duration          `json:"sweep_grace" envconfig:"sweep_grace"`
		StatsInterval    Duration          `json:"stats_interval" envconfig:"stats_interval"`
		DiskHigh         int               `json:"disk_high" envconfig:"disk_high"`
		DiskLow          int               `json:"disk_low" envconfig:"disk_low"`
		DiskInterval     Duration          `json:"disk_interval" envconfig:"disk_interval"`
		// Archive selects an optional secondary copy of completed images:
		// {"type": "filesystem"|"s3", "root": dir or bucket, "region": ...}
		Archive map[string]string `json:"archive" envconfig:"archive"`
	} `json:"processor" envconfig:"processor"`

	Notifier struct {
		Concurrency   int      `json:"concurrency" envconfig:"concurrency"`
		MaxRetries    int      `json:"max_retries" envconfig:"max_retries"`
		RetryBackoff  Duration `json:"retry_backoff" envconfig:"retry_backoff"`
		StatsInterval Duration `json:"stats_interval" envconfig:"stats_interval"`
	} `json:"notifier" envconfig:"notifier"`

	// Backends maps a notifier backend id (http, kafka, sqs, postgres) to its
	// settings. Only configured backends are started.
	Backends map[string]map[string]interface{} `json:"backends" ignored:"true"`
}

// Default returns the configuration used for every setting the file and the
// environment leave out.
func Default() Config {
	var c Config
	c.Redis.Addr = "localhost:6379"
	c.API.HeartbeatPath = "/hb"

	c.Processor.StorageDir = "/var/lib/downloader/images"
	c.Processor.UserAgent = "ForensicWeb-Downloader/1.0"
	c.Processor.MaxSize = 10 * humanize.GiByte
	c.Processor.MinSize = humanize.KiByte
	c.Processor.ChunkSize = humanize.MiByte
	c.Processor.ProgressInterval = 8 * humanize.MiByte
	c.Processor.SoftTimeout = Duration(time.Hour + 55*time.Minute)
	c.Processor.HardTimeout = Duration(2 * time.Hour)
	c.Processor.MaxRedirects = 10
	c.Processor.Concurrency = 2
	c.Processor.ScanInterval = Duration(3 * time.Second)
	c.Processor.SweepInterval = Duration(time.Minute)
	c.Processor.SweepGrace = Duration(time.Minute)
	c.Processor.StatsInterval = Duration(5 * time.Second)
	c.Processor.DiskHigh = 95
	c.Processor.DiskLow = 90
	c.Processor.DiskInterval = Duration(time.Minute)

	c.Notifier.Concurrency = 4
	c.Notifier.MaxRetries = 5
	c.Notifier.RetryBackoff = Duration(30 * time.Second)
	c.Notifier.StatsInterval = Duration(5 * time.Second)
	return c
}

// Parse loads the given file over the defaults, applies the environment
// overrides and validates the result. A missing file is not an error when
// filename is empty.
func Parse(filename string) (Config, error) {
	cfg := Default()

	if filename != "" {
		f, err := os.Open(filename)
		if err != nil {
			return cfg, err
		}
		defer f.Close()

		dec := json.NewDecoder(f)
		dec.UseNumber()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decoding %s: %w", filename, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing environment variables: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the settings for contradictions.
func (c *Config) Validate() error {
	p := c.Processor
	switch {
	case p.StorageDir == "":
		return fmt.Errorf("processor.storage_dir must be set")
	case p.MaxSize <= 0:
		return fmt.Errorf("processor.max_size must be positive")
	case p.MinSize < 0 || p.MinSize > p.MaxSize:
		return fmt.Errorf("processor.min_size (%s) must be between 0 and max_size (%s)", p.MinSize, p.MaxSize)
	case p.ChunkSize <= 0:
		return fmt.Errorf("processor.chunk_size must be positive")
	case p.ProgressInterval < p.ChunkSize:
		return fmt.Errorf("processor.progress_interval must not be smaller than chunk_size")
	case p.SoftTimeout <= 0 || p.HardTimeout <= 0:
		return fmt.Errorf("processor timeouts must be positive")
	case p.SoftTimeout > p.HardTimeout:
		return fmt.Errorf("processor.soft_timeout (%s) must not exceed hard_timeout (%s)", p.SoftTimeout, p.HardTimeout)
	case p.MaxRedirects < 0:
		return fmt.Errorf("processor.max_redirects must not be negative")
	case p.Concurrency <= 0:
		return fmt.Errorf("processor.concurrency must be positive")
	case p.DiskLow >= p.DiskHigh:
		return fmt.Errorf("processor.disk_low must be smaller than disk_high")
	case c.Notifier.Concurrency <= 0:
		return fmt.Errorf("notifier.concurrency must be positive")
	}
	return nil
}

// Bytes is a size accepting humanized strings ("10 GiB", "512MB") as well as
// plain byte counts.
type Bytes int64

func (b Bytes) String() string {
	return humanize.IBytes(uint64(b))
}

func (b *Bytes) Decode(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return err
	}
	*b = Bytes(n)
	return nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		return b.Decode(v)
	case float64:
		*b = Bytes(v)
		return nil
	default:
		return fmt.Errorf("invalid size %s", data)
	}
}

// Duration accepts time.ParseDuration strings ("1h55m") or a number of
// seconds.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) Decode(value string) error {
	if secs, err := strconv.Atoi(value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		return d.Decode(v)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
}
