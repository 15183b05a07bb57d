// Package diskcheck watches the usage of the filesystem holding the image
// storage directory and reports health transitions.
package diskcheck

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

const (
	// Healthy represents a disk usage at or below the low threshold.
	Healthy Health = Health(true)

	// Sick represents a disk usage above the high threshold.
	Sick = Health(false)
)

var statfs = syscall.Statfs

// Checker notifies its caller when the disk health state changes.
//
// The disk is considered healthy at start. Run alternates between waiting
// for the usage to rise above the high threshold and waiting for it to drop
// to the low one, sending on C at each transition. The processor stops
// spawning worker pools while the disk is sick, so that a full disk fails no
// downloads with storage errors.
type Checker interface {
	Run(ctx context.Context)
	C() <-chan Health
	// Usage is the last observed usage percentage.
	Usage() int
}

type diskChecker struct {
	interval time.Duration

	// path is a directory on the filesystem being watched
	path string

	// disk usage thresholds (%)
	high, low int

	log log.Logger

	usage int64
	c     chan Health
}

// Health represents the disk health state.
type Health bool

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "sick"
}

// New returns a new checker for the provided directory path and
// thresholds.
func New(path string, high, low int, interval time.Duration, logger log.Logger) (Checker, error) {
	if low >= high {
		return nil, errors.New("low threshold must be smaller than high")
	}
	if low < 0 || low > 100 {
		return nil, errors.New("low threshold must be between 0 and 100")
	}
	if high < 0 || high > 100 {
		return nil, errors.New("high threshold must be between 0 and 100")
	}
	usage, err := fetchDiskUsage(path)
	if err != nil {
		return nil, err
	}

	return &diskChecker{
		path:     path,
		high:     high,
		low:      low,
		interval: interval,
		log:      log.With(logger, "component", "diskcheck"),
		usage:    int64(usage),
		c:        make(chan Health),
	}, nil
}

func (d *diskChecker) C() <-chan Health {
	return d.c
}

func (d *diskChecker) Usage() int {
	return int(atomic.LoadInt64(&d.usage))
}

// Run blocks until ctx is cancelled.
func (d *diskChecker) Run(ctx context.Context) {
	for {
		if err := d.waitFor(ctx, Sick); err != nil {
			return
		}
		if err := d.waitFor(ctx, Healthy); err != nil {
			return
		}
	}
}

// waitFor polls the disk usage until it crosses the threshold of target and
// then reports target on d.c.
func (d *diskChecker) waitFor(ctx context.Context, target Health) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			du, err := fetchDiskUsage(d.path)
			if err != nil {
				level.Warn(d.log).Log("msg", "could not read disk usage", "waiting_for", target, "err", err)
				continue
			}
			atomic.StoreInt64(&d.usage, int64(du))
			if (target == Sick && du > d.high) || (target == Healthy && du <= d.low) {
				select {
				case d.c <- target:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// fetchDiskUsage returns the usage percentage of the filesystem holding path.
func fetchDiskUsage(path string) (int, error) {
	fs := syscall.Statfs_t{}
	if err := statfs(path, &fs); err != nil {
		return 0, fmt.Errorf("could not get file system statistics: %w", err)
	}
	all := fs.Blocks * uint64(fs.Bsize)
	if all == 0 {
		return 0, nil
	}
	free := fs.Bfree * uint64(fs.Bsize)
	return int(float64(all-free) / float64(all) * 100), nil
}
