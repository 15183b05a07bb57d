package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/forensicweb/downloader/download"
)

// Memory is a Store keeping everything in process memory. It mirrors the
// semantics of the Redis store, including delayed queue entries.
type Memory struct {
	lock sync.RWMutex

	records  map[string]download.Record
	aggrs    map[string]int
	queues   map[string][]entry
	attempts map[string]int64
	stats    map[string]statsEntry
}

type entry struct {
	id    string
	score float64
}

type statsEntry struct {
	value   string
	expires time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]download.Record),
		aggrs:    make(map[string]int),
		queues:   make(map[string][]entry),
		attempts: make(map[string]int64),
		stats:    make(map[string]statsEntry),
	}
}

// Ping always succeeds.
func (m *Memory) Ping() error {
	return nil
}

func (m *Memory) SaveRecord(r *download.Record) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.records[r.ID] = *r
	return nil
}

func (m *Memory) GetRecord(id string) (download.Record, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return download.Record{ID: id}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) RemoveRecord(id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.records, id)
	return nil
}

// ScanRecords iterates over a snapshot of the stored records, so fn may
// write to m.
func (m *Memory) ScanRecords(fn func(download.Record) error) error {
	m.lock.RLock()
	snapshot := make([]download.Record, 0, len(m.records))
	for _, r := range m.records {
		snapshot = append(snapshot, r)
	}
	m.lock.RUnlock()

	for _, r := range snapshot {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) QueuePendingDownload(r *download.Record, a *download.Aggregation, delay time.Duration) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.aggrs[a.ID]; !ok {
		m.aggrs[a.ID] = a.Limit
	}
	m.push(DownloadsKeyPrefix+a.ID, r.ID, score(delay))
	return nil
}

func (m *Memory) PopDownload(a *download.Aggregation) (download.Record, error) {
	id, err := m.pop(DownloadsKeyPrefix + a.ID)
	if err != nil {
		return download.Record{}, err
	}
	return m.GetRecord(id)
}

func (m *Memory) PendingAggregations() ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var ids []string
	for key, q := range m.queues {
		if len(q) > 0 && len(key) > len(DownloadsKeyPrefix) && key[:len(DownloadsKeyPrefix)] == DownloadsKeyPrefix {
			ids = append(ids, key[len(DownloadsKeyPrefix):])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) GetAggregation(id string) (download.Aggregation, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	limit, ok := m.aggrs[id]
	if !ok {
		return download.Aggregation{ID: id, Limit: aggrDefaultLimit}, ErrNotFound
	}
	return download.Aggregation{ID: id, Limit: limit}, nil
}

func (m *Memory) RemoveAggregation(id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.queues[DownloadsKeyPrefix+id]) > 0 {
		return nil
	}
	delete(m.queues, DownloadsKeyPrefix+id)
	delete(m.aggrs, id)
	return nil
}

func (m *Memory) QueueEvent(id string, delay time.Duration) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.push(EventQueue, id, score(delay))
	return nil
}

func (m *Memory) PopEvent() (download.Record, error) {
	id, err := m.pop(EventQueue)
	if err != nil {
		return download.Record{}, err
	}
	return m.GetRecord(id)
}

func (m *Memory) IncrEventAttempts(id string) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.attempts[id]++
	return m.attempts[id], nil
}

func (m *Memory) ClearEventAttempts(id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, id)
	return nil
}

func (m *Memory) QueueForDeletion(id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.push(RIPQueue, id, now())
	return nil
}

func (m *Memory) PopRip() (string, error) {
	return m.pop(RIPQueue)
}

func (m *Memory) SetStats(id, stats string, expiration time.Duration) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	var expires time.Time
	if expiration > 0 {
		expires = time.Now().Add(expiration)
	}
	m.stats[id] = statsEntry{value: stats, expires: expires}
	return nil
}

func (m *Memory) GetStats(id string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	s, ok := m.stats[id]
	if !ok || (!s.expires.IsZero() && time.Now().After(s.expires)) {
		return nil, nil
	}
	return []byte(s.value), nil
}

// push adds id to the sorted queue, replacing an existing entry like ZADD
// does. m.lock must be held.
func (m *Memory) push(queue, id string, sc float64) {
	q := m.queues[queue]
	for i := range q {
		if q[i].id == id {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	i := sort.Search(len(q), func(i int) bool { return q[i].score > sc })
	q = append(q, entry{})
	copy(q[i+1:], q[i:])
	q[i] = entry{id: id, score: sc}
	m.queues[queue] = q
}

func (m *Memory) pop(queue string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	q := m.queues[queue]
	if len(q) == 0 {
		return "", ErrEmptyQueue
	}
	if q[0].score > now() {
		return "", ErrRetryLater
	}
	m.queues[queue] = q[1:]
	return q[0].id, nil
}
