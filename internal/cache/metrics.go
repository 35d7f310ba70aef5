package cache

import (
	"sync"
	"time"
)

// Metrics collects counters for lookups, fetches and disk activity.
type Metrics struct {
	mu sync.RWMutex

	hits   int64
	misses int64
	joins  int64

	fetchesStarted int64
	syncLoads      int64
	diskReads      int64

	networkRequests int64
	bytesDownloaded int64
	bytesFromDisk   int64

	errors       map[string]int64
	releases     int64
	evictions    int64
	trims        int64
	trimmed      int64
	fetchLatency []time.Duration

	startTime    time.Time
	lastHitTime  time.Time
	lastMissTime time.Time
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Hits             int64            `json:"hits"`
	Misses           int64            `json:"misses"`
	Joins            int64            `json:"joins"`
	HitRate          float64          `json:"hit_rate"`
	FetchesStarted   int64            `json:"fetches_started"`
	SyncLoads        int64            `json:"sync_loads"`
	DiskReads        int64            `json:"disk_reads"`
	NetworkRequests  int64            `json:"network_requests"`
	BytesDownloaded  int64            `json:"bytes_downloaded"`
	BytesFromDisk    int64            `json:"bytes_from_disk"`
	Errors           map[string]int64 `json:"errors"`
	Releases         int64            `json:"releases"`
	Evictions        int64            `json:"evictions"`
	Trims            int64            `json:"trims"`
	Trimmed          int64            `json:"trimmed"`
	// Retained is the number of images held strongly when the snapshot was
	// taken. Metrics does not track it; the loader fills it in.
	Retained         int              `json:"retained"`
	AverageFetchTime time.Duration    `json:"average_fetch_time"`
	Uptime           time.Duration    `json:"uptime"`
	LastHitTime      time.Time        `json:"last_hit_time"`
	LastMissTime     time.Time        `json:"last_miss_time"`
}

const maxLatencySamples = 1000

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		errors:       make(map[string]int64),
		fetchLatency: make([]time.Duration, 0, 64),
		startTime:    time.Now(),
	}
}

// RecordHit records a lookup served from memory.
func (m *Metrics) RecordHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
	m.lastHitTime = time.Now()
}

// RecordMiss records a lookup that required loading.
func (m *Metrics) RecordMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
	m.lastMissTime = time.Now()
}

// RecordJoin records a lookup that attached to a running fetch.
func (m *Metrics) RecordJoin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins++
}

// RecordFetchStarted records a new asynchronous fetch.
func (m *Metrics) RecordFetchStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchesStarted++
}

// RecordSyncLoad records a load run on the caller's goroutine.
func (m *Metrics) RecordSyncLoad() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLoads++
}

// RecordNetworkRequest records one connection attempt to an origin.
func (m *Metrics) RecordNetworkRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkRequests++
}

// RecordDownload records bytes read from the network.
func (m *Metrics) RecordDownload(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesDownloaded += n
}

// RecordDiskRead records a load served from a cache file.
func (m *Metrics) RecordDiskRead(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diskReads++
	m.bytesFromDisk += n
}

// RecordError records a failed load by kind.
func (m *Metrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[kind]++
}

// RecordRelease records decoded images dropped by clear or trim.
func (m *Metrics) RecordRelease(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases += int64(n)
}

// RecordEviction records an image dropped by the LRU to make room.
func (m *Metrics) RecordEviction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions++
}

// RecordTrim records a trim that released n strong references.
func (m *Metrics) RecordTrim(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trims++
	m.trimmed += int64(n)
}

// RecordFetchLatency records the duration of a completed load.
func (m *Metrics) RecordFetchLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fetchLatency) >= maxLatencySamples {
		m.fetchLatency = m.fetchLatency[1:]
	}
	m.fetchLatency = append(m.fetchLatency, d)
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errs := make(map[string]int64, len(m.errors))
	for k, v := range m.errors {
		errs[k] = v
	}

	var hitRate float64
	if total := m.hits + m.misses; total > 0 {
		hitRate = float64(m.hits) / float64(total)
	}

	var avg time.Duration
	if len(m.fetchLatency) > 0 {
		var sum time.Duration
		for _, d := range m.fetchLatency {
			sum += d
		}
		avg = sum / time.Duration(len(m.fetchLatency))
	}

	return MetricsSnapshot{
		Hits:             m.hits,
		Misses:           m.misses,
		Joins:            m.joins,
		HitRate:          hitRate,
		FetchesStarted:   m.fetchesStarted,
		SyncLoads:        m.syncLoads,
		DiskReads:        m.diskReads,
		NetworkRequests:  m.networkRequests,
		BytesDownloaded:  m.bytesDownloaded,
		BytesFromDisk:    m.bytesFromDisk,
		Errors:           errs,
		Releases:         m.releases,
		Evictions:        m.evictions,
		Trims:            m.trims,
		Trimmed:          m.trimmed,
		AverageFetchTime: avg,
		Uptime:           time.Since(m.startTime),
		LastHitTime:      m.lastHitTime,
		LastMissTime:     m.lastMissTime,
	}
}

// Reset clears all counters.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits, m.misses, m.joins = 0, 0, 0
	m.fetchesStarted, m.syncLoads, m.diskReads = 0, 0, 0
	m.networkRequests, m.bytesDownloaded, m.bytesFromDisk = 0, 0, 0
	m.releases, m.evictions, m.trims, m.trimmed = 0, 0, 0, 0
	m.errors = make(map[string]int64)
	m.fetchLatency = m.fetchLatency[:0]
	m.startTime = time.Now()
	m.lastHitTime, m.lastMissTime = time.Time{}, time.Time{}
}
