// Package storage persists download records and the queues connecting the
// api, the processor and the notifier.
//
// Redis is the production backend. Memory keeps everything in process and
// backs the standalone mode and the tests.
package storage

import (
	"errors"
	"time"

	"github.com/forensicweb/downloader/download"
)

const (
	// Each record is stored in a Redis Hash named "<ImageKeyPrefix><id>".
	ImageKeyPrefix = "image:"

	// IDs of the pending downloads of an aggregation exist in a Redis
	// sorted set named "<DownloadsKeyPrefix><aggregation-id>", scored by the
	// time they become ready.
	DownloadsKeyPrefix = "downloads:"

	// Each aggregation has a corresponding Redis Hash named
	// "<AggrKeyPrefix><aggregation-id>" holding its limit.
	AggrKeyPrefix = "aggr:"

	// EventQueue contains IDs of records that reached a terminal state and
	// whose event is to be delivered.
	EventQueue = "EventQueue"

	// Delivery attempts of an event are counted in "<EventKeyPrefix><id>".
	EventKeyPrefix = "event:"

	// RIPQueue contains ids of records to be deleted along with their files.
	RIPQueue = "ImageDeletionQueue"

	// Prefix for stats related entries
	statsPrefix = "stats"

	// The default aggregation limit
	aggrDefaultLimit = 2
)

var (
	// ErrEmptyQueue is returned when there is nothing to pop from a queue.
	ErrEmptyQueue = errors.New("Queue is empty")
	// ErrRetryLater is returned when a queue only holds future entries.
	ErrRetryLater = errors.New("Retry again later")
	// ErrNotFound is returned by GetRecord and GetAggregation when the
	// requested record, or aggregation respectively, does not exist.
	ErrNotFound = errors.New("Not Found")
)

// Store is implemented by the storage backends.
type Store interface {
	Ping() error

	SaveRecord(r *download.Record) error
	GetRecord(id string) (download.Record, error)
	RemoveRecord(id string) error
	// ScanRecords calls fn for every stored record. Iteration stops at the
	// first error returned by fn.
	ScanRecords(fn func(download.Record) error) error

	// QueuePendingDownload ensures the aggregation a exists and adds r to
	// its queue, delay in the future.
	QueuePendingDownload(r *download.Record, a *download.Aggregation, delay time.Duration) error
	PopDownload(a *download.Aggregation) (download.Record, error)
	// PendingAggregations returns the IDs of aggregations with queued
	// downloads.
	PendingAggregations() ([]string, error)
	GetAggregation(id string) (download.Aggregation, error)
	// RemoveAggregation removes the aggregation only if its queue is empty.
	RemoveAggregation(id string) error

	QueueEvent(id string, delay time.Duration) error
	PopEvent() (download.Record, error)
	IncrEventAttempts(id string) (int64, error)
	ClearEventAttempts(id string) error

	QueueForDeletion(id string) error
	// PopRip returns the next id queued for deletion. The record may
	// already be gone.
	PopRip() (string, error)

	SetStats(id, stats string, expiration time.Duration) error
	GetStats(id string) ([]byte, error)
}

func score(delay time.Duration) float64 {
	return float64(time.Now().Add(delay).UnixNano()) / float64(time.Millisecond)
}

func now() float64 {
	return score(0)
}
