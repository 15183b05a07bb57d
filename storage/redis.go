package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forensicweb/downloader/download"

	"github.com/go-redis/redis"
)

var (
	// Atomically pop entries from a sorted set (ZSET)
	//
	// Each entry has a score that points to the time
	// it should be executed.
	//
	// We only pop entries that are "ready" to execute,
	// so we can implement backoffs by scheduling them
	// in the future.
	//
	// Note that we return two different kind of errors,
	// EMPTY & RETRYLATER. We need this distinction in
	// order to decide if we should close the worker pool
	// or just wait a bit for new entries.
	zpop = redis.NewScript(`
		local key = KEYS[1]
		local max_score = tonumber(ARGV[1])

		local top = redis.call("zrange", key, 0, 0, 'withscores')

		if #top == 0 then
			return redis.error_reply("EMPTY")
		end

		local member = top[1]
		local score = tonumber(top[2])

		if score > max_score then
			return redis.error_reply("RETRYLATER")
		end

		redis.call("zremrangebyrank", key, 0, 0)
		return member
		`)

	// Atomically delete the aggregation key
	//
	// Before deleting an aggregation we want to ensure that there are no
	// related downloads in its queue. A download may be added right before
	// we delete the aggregation, leaving it with no aggregation.
	delaggr = redis.NewScript(`
			local queueKey = KEYS[1]
			local aggrKey = KEYS[2]

			local count = redis.call("zcount", queueKey, "-inf", "+inf")

			if count > 0 then
			  return 0
			end

			redis.call("del", aggrKey)
			return 1
		`)
)

// Redis is a Store backed by a redis.Client instance.
type Redis struct {
	Client *redis.Client
}

var _ Store = (*Redis)(nil)

// NewRedis returns a new Store that can communicate with Redis. If Redis
// is not up an error will be returned.
func NewRedis(r *redis.Client) (*Redis, error) {
	s := &Redis{Client: r}
	if err := s.Ping(); err != nil {
		return nil, err
	}
	return s, nil
}

// Ping checks that the Redis server is reachable.
func (s *Redis) Ping() error {
	ping := s.Client.Ping()
	if ping.Err() != nil {
		return fmt.Errorf("Could not ping Redis Server successfully: %v", ping.Err())
	}
	if ping.Val() != "PONG" {
		return fmt.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}
	return nil
}

// SaveRecord updates or creates r in Redis.
func (s *Redis) SaveRecord(r *download.Record) error {
	return s.Client.HMSet(ImageKeyPrefix+r.ID, recordToMap(r)).Err()
}

// GetRecord fetches the record with the given id from Redis.
func (s *Redis) GetRecord(id string) (download.Record, error) {
	val, err := s.Client.HGetAll(ImageKeyPrefix + id).Result()
	if err != nil {
		return download.Record{}, err
	}

	if v, ok := val["ID"]; !ok || v == "" {
		return download.Record{ID: id}, ErrNotFound
	}

	return recordFromMap(val)
}

// RemoveRecord removes the record key from Redis.
func (s *Redis) RemoveRecord(id string) error {
	return s.Client.Del(ImageKeyPrefix + id).Err()
}

// ScanRecords iterates over all record keys.
func (s *Redis) ScanRecords(fn func(download.Record) error) error {
	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = s.Client.Scan(cursor, ImageKeyPrefix+"*", 50).Result()
		if err != nil {
			return fmt.Errorf("Error scanning keys: %v", err)
		}

		for _, key := range keys {
			r, err := s.GetRecord(strings.TrimPrefix(key, ImageKeyPrefix))
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err = fn(r); err != nil {
				return err
			}
		}

		if cursor == 0 {
			return nil
		}
	}
}

// QueuePendingDownload creates the aggregation if missing and adds r to its
// queue. Both happen in a single transaction.
func (s *Redis) QueuePendingDownload(r *download.Record, a *download.Aggregation, delay time.Duration) error {
	_, err := s.Client.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.HSetNX(AggrKeyPrefix+a.ID, "Limit", a.Limit)
		pipe.ZAdd(DownloadsKeyPrefix+a.ID, redis.Z{Member: r.ID, Score: score(delay)})
		return nil
	})
	return err
}

// PopDownload attempts to pop a record for that aggregation.
func (s *Redis) PopDownload(a *download.Aggregation) (download.Record, error) {
	id, err := s.pop(DownloadsKeyPrefix + a.ID)
	if err != nil {
		return download.Record{}, err
	}
	return s.GetRecord(id)
}

// PendingAggregations scans Redis for non-empty aggregation queues.
func (s *Redis) PendingAggregations() ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = s.Client.Scan(cursor, DownloadsKeyPrefix+"*", 50).Result()
		if err != nil {
			return ids, fmt.Errorf("Error scanning keys: %v", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, DownloadsKeyPrefix))
		}
		if cursor == 0 {
			return ids, nil
		}
	}
}

// GetAggregation fetches from Redis the aggregation denoted by id.
// In the case of ErrNotFound, the returned aggregation has valid ID and the
// default limit.
func (s *Redis) GetAggregation(id string) (download.Aggregation, error) {
	val, err := s.Client.HGet(AggrKeyPrefix+id, "Limit").Result()
	if err == redis.Nil {
		return download.Aggregation{ID: id, Limit: aggrDefaultLimit}, ErrNotFound
	}

	if err != nil {
		return download.Aggregation{}, err
	}

	limit, err := strconv.Atoi(val)
	if err != nil {
		return download.Aggregation{}, err
	}

	return download.Aggregation{ID: id, Limit: limit}, nil
}

// RemoveAggregation deletes the aggregation key from Redis
func (s *Redis) RemoveAggregation(id string) error {
	_, err := delaggr.Run(s.Client, []string{DownloadsKeyPrefix + id, AggrKeyPrefix + id}).Result()
	if err != nil {
		return fmt.Errorf("Could not delaggr: %s", err)
	}
	return nil
}

// QueueEvent adds id to the event queue.
func (s *Redis) QueueEvent(id string, delay time.Duration) error {
	return s.Client.ZAdd(EventQueue, redis.Z{Member: id, Score: score(delay)}).Err()
}

// PopEvent attempts to pop a record from the event queue.
func (s *Redis) PopEvent() (download.Record, error) {
	id, err := s.pop(EventQueue)
	if err != nil {
		return download.Record{}, err
	}
	return s.GetRecord(id)
}

// IncrEventAttempts bumps and returns the delivery attempts of the event of id.
func (s *Redis) IncrEventAttempts(id string) (int64, error) {
	return s.Client.Incr(EventKeyPrefix + id).Result()
}

// ClearEventAttempts forgets the delivery attempts of the event of id.
func (s *Redis) ClearEventAttempts(id string) error {
	return s.Client.Del(EventKeyPrefix + id).Err()
}

// QueueForDeletion pushes the provided id to RIPQueue
func (s *Redis) QueueForDeletion(id string) error {
	return s.Client.ZAdd(RIPQueue, redis.Z{Member: id, Score: now()}).Err()
}

// PopRip fetches an id from the RIPQueue (if any).
// If the queue is empty an ErrEmptyQueue error is returned.
func (s *Redis) PopRip() (string, error) {
	return s.pop(RIPQueue)
}

// GetStats fetches stats prefixed entries from Redis
func (s *Redis) GetStats(id string) ([]byte, error) {
	getCmd := s.Client.Get(strings.Join([]string{statsPrefix, id}, ":"))

	if err := getCmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	return getCmd.Bytes()
}

// SetStats saves stats in Redis
func (s *Redis) SetStats(id, stats string, expiration time.Duration) error {
	return s.Client.Set(strings.Join([]string{statsPrefix, id}, ":"), stats, expiration).Err()
}

// pops the first ready member of a sorted set
func (s *Redis) pop(list string) (string, error) {
	val, err := zpop.Run(s.Client, []string{list}, now()).Result()

	if err != nil {
		switch err.Error() {
		case "EMPTY":
			return "", ErrEmptyQueue
		case "RETRYLATER":
			return "", ErrRetryLater
		default:
			return "", fmt.Errorf("Could not zpop: %s", err)
		}
	}

	// ZPOP should always return a string
	id, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("zpop replied with '%#v', it should be a string", val)
	}
	return id, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func recordToMap(r *download.Record) map[string]interface{} {
	return map[string]interface{}{
		"ID":              r.ID,
		"State":           string(r.State),
		"URL":             r.URL,
		"Description":     r.Description,
		"Caller":          r.Caller,
		"DownloadedBytes": r.DownloadedBytes,
		"TotalBytes":      r.TotalBytes,
		"FilePath":        r.FilePath,
		"Digest":          r.Digest,
		"ContentType":     r.ContentType,
		"ErrorMessage":    r.ErrorMessage,
		"CreatedAt":       formatTime(r.CreatedAt),
		"StartedAt":       formatTime(r.StartedAt),
		"CompletedAt":     formatTime(r.CompletedAt),
	}
}

func recordFromMap(m map[string]string) (download.Record, error) {
	var err error
	r := download.Record{}
	for k, v := range m {
		switch k {
		case "ID":
			r.ID = v
		case "State":
			r.State = download.State(v)
		case "URL":
			r.URL = v
		case "Description":
			r.Description = v
		case "Caller":
			r.Caller = v
		case "DownloadedBytes":
			r.DownloadedBytes, err = strconv.ParseInt(v, 10, 64)
		case "TotalBytes":
			r.TotalBytes, err = strconv.ParseInt(v, 10, 64)
		case "FilePath":
			r.FilePath = v
		case "Digest":
			r.Digest = v
		case "ContentType":
			r.ContentType = v
		case "ErrorMessage":
			r.ErrorMessage = v
		case "CreatedAt":
			r.CreatedAt, err = parseTime(v)
		case "StartedAt":
			r.StartedAt, err = parseTime(v)
		case "CompletedAt":
			r.CompletedAt, err = parseTime(v)
		default:
			return r, fmt.Errorf("Field %s with value %s was not found in Record struct", k, v)
		}
		if err != nil {
			return r, fmt.Errorf("Could not decode struct from map: %v", err)
		}
	}
	return r, nil
}
