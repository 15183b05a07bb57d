package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/forensicweb/downloader/download"
	"github.com/forensicweb/downloader/storage"

	"github.com/google/uuid"
)

var (
	// ErrServiceUnavailable is returned when an accepted request could not
	// be scheduled. No record is left behind.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInProgress is returned when deleting a download that has not
	// finished yet.
	ErrInProgress = errors.New("download has not finished")
)

// Scheduler hands accepted records over to the processors.
type Scheduler interface {
	Schedule(r *download.Record) error
}

// QueueScheduler queues records on the aggregation of their caller. New
// aggregations get Limit concurrent downloads.
type QueueScheduler struct {
	Store storage.Store
	Limit int
}

func (s QueueScheduler) Schedule(r *download.Record) error {
	aggr, err := download.NewAggregation(r.Caller, s.Limit)
	if err != nil {
		return err
	}
	return s.Store.QueuePendingDownload(r, aggr, 0)
}

// Facade accepts download requests and answers status queries. It never
// touches the network or the image files.
type Facade struct {
	Store     storage.Store
	Scheduler Scheduler

	newID func() string
	now   func() time.Time
}

// NewFacade returns a Facade scheduling on the queues of store with limit
// concurrent downloads per caller.
func NewFacade(store storage.Store, limit int) *Facade {
	return &Facade{
		Store:     store,
		Scheduler: QueueScheduler{Store: store, Limit: limit},
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Submit validates req, records it as PENDING and schedules it. It returns
// the id of the new record and the message for the caller.
func (f *Facade) Submit(req download.Request, caller string) (string, string, error) {
	if err := req.Validate(); err != nil {
		return "", "", err
	}
	if caller == "" {
		caller = download.AnonymousCaller
	}

	r := download.New(f.newID(), req, caller, f.now().UTC())
	if err := f.Store.SaveRecord(&r); err != nil {
		return "", "", fmt.Errorf("%w: saving record: %w", ErrServiceUnavailable, err)
	}

	if err := f.Scheduler.Schedule(&r); err != nil {
		if rerr := f.Store.RemoveRecord(r.ID); rerr != nil {
			return "", "", fmt.Errorf("%w: scheduling: %w (record %s left behind: %v)", ErrServiceUnavailable, err, r.ID, rerr)
		}
		return "", "", fmt.Errorf("%w: scheduling: %w", ErrServiceUnavailable, err)
	}

	return r.ID, "accepted", nil
}

// Status returns the current record of id, or storage.ErrNotFound.
func (f *Facade) Status(id string) (download.Record, error) {
	return f.Store.GetRecord(id)
}

// Delete queues the finished download of id for removal along with its
// image.
func (f *Facade) Delete(id string) error {
	r, err := f.Store.GetRecord(id)
	if err != nil {
		return err
	}
	if !r.State.Terminal() {
		return ErrInProgress
	}
	return f.Store.QueueForDeletion(id)
}
