package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/forensicweb/downloader/download"
	derrors "github.com/forensicweb/downloader/processor/errors"
	"github.com/forensicweb/downloader/processor/mimetype"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-stack/stack"
)

// errFenced is returned by the runner once the hard timeout finalized the
// task underneath it.
var errFenced = errors.New("download was finalized by the hard timeout")

// task is a single run of a download. The runner and the hard timeout
// supervisor share it. Whoever finalizes it first closes the fence, every
// later write by the other one is dropped.
type task struct {
	p   *Processor
	log log.Logger

	mu     sync.Mutex
	closed bool
	rec    download.Record
	out    *os.File
}

// result of a successful fetch
type result struct {
	digest      string
	written     int64
	contentType string
}

// download runs rec to a terminal state and returns the final record.
// Downloads interrupted by the cancellation of ctx are queued again instead.
func (p *Processor) download(ctx context.Context, rec download.Record, v *mimetype.Validator) download.Record {
	t := &task{p: p, rec: rec, log: log.With(p.Log, "image", rec.ID, "aggregation", rec.Caller)}

	if rec.State.Terminal() {
		level.Info(t.log).Log("msg", "skipping finished download", "state", rec.State)
		return rec
	}
	if _, running := p.active.LoadOrStore(rec.ID, struct{}{}); running {
		level.Warn(t.log).Log("msg", "download is already running")
		return rec
	}
	defer p.active.Delete(rec.ID)

	if err := t.begin(); err != nil {
		level.Error(t.log).Log("msg", "could not mark download in progress", "err", err)
		t.requeue()
		return t.record()
	}

	softCtx, cancel := context.WithTimeout(ctx, p.Limits.SoftTimeout)
	defer cancel()

	hard := time.AfterFunc(p.Limits.HardTimeout, func() {
		err := derrors.Errorf(derrors.Timeout, "downloading", "exceeded hard timeout of %s", p.Limits.HardTimeout)
		if t.finalize(nil, err) {
			level.Warn(t.log).Log("msg", "download killed by hard timeout", "timeout", p.Limits.HardTimeout)
		}
		cancel()
	})
	defer hard.Stop()

	level.Info(t.log).Log("msg", "downloading", "url", rec.URL)
	started := time.Now()
	res, err := t.safeFetch(softCtx, v)

	switch {
	case t.isClosed():
		// finalized by the hard timeout
	case err == nil:
		if t.finalize(&res, nil) {
			level.Info(t.log).Log("msg", "download completed", "size", humanize.IBytes(uint64(res.written)),
				"took", time.Since(started).Truncate(time.Millisecond), "sha256", res.digest)
		}
	case ctx.Err() != nil:
		level.Info(t.log).Log("msg", "download interrupted by shutdown")
		t.interrupt()
	default:
		level.Warn(t.log).Log("msg", "download failed", "err", err)
		t.finalize(nil, err)
	}

	final := t.record()
	if final.State == download.StateCompleted && p.Archive != nil {
		p.archive(t.log, final)
	}
	return final
}

func (t *task) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *task) record() download.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// guard runs fn unless the task was finalized.
func (t *task) guard(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errFenced
	}
	return fn()
}

// begin marks the record DOWNLOADING. The file path is derived from the id
// alone. Counters of an interrupted earlier run are kept so that reported
// progress never goes backwards.
func (t *task) begin() error {
	return t.guard(func() error {
		t.rec.State = download.StateDownloading
		t.rec.FilePath = t.p.storagePath(t.rec.ID)
		t.rec.StartedAt = t.p.now()
		t.rec.Digest = ""
		t.rec.ContentType = ""
		t.rec.ErrorMessage = ""
		return t.p.Store.SaveRecord(&t.rec)
	})
}

// progress persists the transfer counters.
func (t *task) progress(written, total int64) error {
	return t.guard(func() error {
		t.rec.TotalBytes = total
		if written > t.rec.DownloadedBytes {
			t.rec.DownloadedBytes = written
		}
		return t.p.Store.SaveRecord(&t.rec)
	})
}

// open creates the output file, truncating leftovers of an earlier run.
func (t *task) open() (*os.File, error) {
	var out *os.File
	err := t.guard(func() error {
		var err error
		out, err = t.p.storageFile(&t.rec)
		t.out = out
		return err
	})
	return out, err
}

// finalize closes the fence and persists the terminal state: COMPLETED with
// res, or ERROR with derr after removing the partial file. It reports
// whether this call did it.
func (t *task) finalize(res *result, derr error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true

	if t.out != nil {
		if err := t.out.Close(); err != nil && derr == nil {
			derr = derrors.E(derrors.Storage, "closing file", err)
		}
	}

	if derr == nil {
		t.rec.State = download.StateCompleted
		t.rec.DownloadedBytes = res.written
		t.rec.TotalBytes = res.written
		t.rec.Digest = res.digest
		t.rec.ContentType = res.contentType
		t.p.stats.Add(statsCompleted, 1)
	} else {
		t.p.removeFile(t.log, t.rec.FilePath)
		t.rec.State = download.StateError
		t.rec.ErrorMessage = derr.Error()
		t.rec.Digest = ""
		t.p.stats.Add(statsFailures, 1)
		t.p.stats.Add(statsFailureKindPrefix+strings.ReplaceAll(derrors.KindOf(derr).String(), " ", "_"), 1)
	}
	t.rec.CompletedAt = t.p.now()

	if err := t.p.Store.SaveRecord(&t.rec); err != nil {
		level.Error(t.log).Log("msg", "could not save final state", "state", t.rec.State, "err", err)
		return true
	}
	if err := t.p.Store.QueueEvent(t.rec.ID, 0); err != nil {
		level.Error(t.log).Log("msg", "could not queue event", "err", err)
	}
	return true
}

// interrupt gives the download back to the queue after a shutdown. The
// record stays DOWNLOADING, the next run restarts it from scratch.
func (t *task) interrupt() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.out != nil {
		t.out.Close()
	}
	t.p.removeFile(t.log, t.rec.FilePath)
	t.mu.Unlock()

	t.requeue()
}

func (t *task) requeue() {
	rec := t.record()
	aggr, err := t.p.Store.GetAggregation(rec.Caller)
	if err != nil && aggr.ID == "" {
		level.Error(t.log).Log("msg", "could not fetch aggregation", "err", err)
		aggr = download.Aggregation{ID: rec.Caller, Limit: 1}
	}
	if err := t.p.Store.QueuePendingDownload(&rec, &aggr, backoffDuration); err != nil {
		level.Error(t.log).Log("msg", "could not queue download back", "err", err)
	}
}

// safeFetch is fetch turning panics into internal errors.
func (t *task) safeFetch(ctx context.Context, v *mimetype.Validator) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(t.log).Log("msg", "panic while downloading", "panic", r,
				"stack", fmt.Sprintf("%+v", stack.Trace().TrimRuntime()))
			err = derrors.Errorf(derrors.Internal, "downloading", "internal error")
		}
	}()
	return t.fetch(ctx, v)
}

// fetch streams the body of rec.URL to the record file in fixed chunks,
// hashing it on the way and enforcing the size limits.
func (t *task) fetch(ctx context.Context, v *mimetype.Validator) (result, error) {
	p := t.p
	lim := p.Limits
	url := t.record().URL

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return result{}, derrors.E(derrors.Internal, "building request", err)
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	for name, value := range p.RequestHeaders {
		req.Header.Set(name, value)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return result{}, t.transportError(ctx, "requesting", err)
	}
	defer resp.Body.Close()

	p.stats.Add(statsResponseCodePrefix+strconv.Itoa(resp.StatusCode), 1)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result{}, derrors.Errorf(derrors.Unreachable, "requesting",
			"received status code %d (%s)", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	total := resp.ContentLength
	if total > lim.MaxSize {
		return result{}, derrors.Errorf(derrors.SizeViolation, "requesting",
			"declared size of %s exceeds the maximum of %s", humanize.IBytes(uint64(total)), humanize.IBytes(uint64(lim.MaxSize)))
	}
	if total < 0 {
		total = 0
	}
	if total > 0 {
		if err := t.progress(0, total); err == errFenced {
			return result{}, err
		} else if err != nil {
			level.Warn(t.log).Log("msg", "could not save progress", "err", err)
		}
	}

	out, err := t.open()
	if err != nil {
		if err == errFenced {
			return result{}, err
		}
		return result{}, derrors.E(derrors.Storage, "creating file", err)
	}

	var (
		h        hash.Hash = sha256.New()
		buf                = make([]byte, lim.ChunkSize)
		written  int64
		reported int64
		ctype    string
	)

	for {
		n, rerr := readChunk(resp.Body, buf)
		if n > 0 {
			chunk := buf[:n]
			if written+int64(n) > lim.MaxSize {
				return result{}, derrors.Errorf(derrors.SizeViolation, "reading body",
					"payload exceeds the maximum of %s", humanize.IBytes(uint64(lim.MaxSize)))
			}
			if written == 0 {
				if ctype, err = t.sniff(v, chunk, resp.Header.Get("Content-Type")); err != nil {
					return result{}, err
				}
			}

			h.Write(chunk)
			if _, err := out.Write(chunk); err != nil {
				if t.isClosed() {
					return result{}, errFenced
				}
				return result{}, derrors.E(derrors.Storage, "writing file", err)
			}
			written += int64(n)
			p.stats.Add(statsBytes, int64(n))

			if written-reported >= lim.ProgressInterval {
				if err := t.progress(written, total); err == errFenced {
					return result{}, err
				} else if err != nil {
					level.Warn(t.log).Log("msg", "could not save progress", "err", err)
				}
				reported = written
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return result{}, t.transportError(ctx, "reading body", rerr)
		}
	}

	if total > 0 && written < total {
		return result{}, derrors.Errorf(derrors.Unreachable, "reading body",
			"connection closed after %s of %s", humanize.IBytes(uint64(written)), humanize.IBytes(uint64(total)))
	}
	if written < lim.MinSize {
		return result{}, derrors.Errorf(derrors.SizeViolation, "reading body",
			"payload of %s is below the minimum of %s", humanize.IBytes(uint64(written)), humanize.IBytes(uint64(lim.MinSize)))
	}
	if written == 0 && ctype == "" {
		ctype, _, _ = mime.ParseMediaType(resp.Header.Get("Content-Type"))
	}

	if err := out.Sync(); err != nil {
		if t.isClosed() {
			return result{}, errFenced
		}
		return result{}, derrors.E(derrors.Storage, "syncing file", err)
	}

	return result{digest: hex.EncodeToString(h.Sum(nil)), written: written, contentType: ctype}, nil
}

// readChunk fills buf unless r ends first. Only io.EOF marks a clean end.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		nn, err := r.Read(buf[n:])
		n += nn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// sniff returns the content type of the payload from its first chunk and
// enforces the configured mime type checks. Without a validator the
// declared Content-Type is used.
func (t *task) sniff(v *mimetype.Validator, chunk []byte, declared string) (string, error) {
	if v == nil {
		if t.p.MimeType != "" {
			return "", derrors.Errorf(derrors.Internal, "checking content", "no mime type validator available")
		}
		ct, _, _ := mime.ParseMediaType(declared)
		return ct, nil
	}

	ct, err := v.Validate(chunk)
	var mismatch mimetype.ErrMimeTypeMismatch
	if errors.As(err, &mismatch) {
		t.p.stats.Add(statsResponseCodePrefix+"mime", 1)
		return ct, derrors.E(derrors.Validation, "checking content", err)
	}
	if err != nil {
		return "", derrors.E(derrors.Internal, "checking content", err)
	}
	return ct, nil
}

// transportError classifies a failed request or body read.
func (t *task) transportError(ctx context.Context, phase string, err error) error {
	switch {
	case t.isClosed():
		return errFenced
	case errors.Is(err, errTooManyRedirects):
		return derrors.E(derrors.Unreachable, phase, errTooManyRedirects)
	case ctx.Err() == context.DeadlineExceeded:
		return derrors.Errorf(derrors.Timeout, phase, "exceeded soft timeout of %s", t.p.Limits.SoftTimeout)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, io.ErrUnexpectedEOF):
		return derrors.Errorf(derrors.Unreachable, phase, "connection closed before the payload was complete")
	}

	if msg := err.Error(); strings.Contains(msg, "x509") || strings.Contains(msg, "tls") {
		t.p.stats.Add(statsResponseCodePrefix+"tls", 1)
	} else {
		t.p.stats.Add(statsResponseCodePrefix+"other", 1)
	}
	return derrors.E(derrors.Unreachable, phase, err)
}

// archive copies a completed image to the archive backend. Failures don't
// affect the record.
func (p *Processor) archive(logger log.Logger, rec download.Record) {
	meta := map[string]string{
		"image-id":   rec.ID,
		"sha256":     rec.Digest,
		"source-url": rec.URL,
	}
	if err := p.Archive.StoreFile(rec.FilePath, download.RelativePath(rec.ID), meta); err != nil {
		level.Error(logger).Log("msg", "could not archive image", "err", err)
		return
	}
	level.Info(logger).Log("msg", "archived image")
}
