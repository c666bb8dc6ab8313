package frontier

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

const hostShards = 64

type hostShard struct {
	mu      sync.Mutex
	records map[string]*crawler.HostRecord
}

// hostTable is a sharded map of politeness records.
type hostTable struct {
	shards [hostShards]hostShard
}

func newHostTable() *hostTable {
	t := &hostTable{}
	for i := range t.shards {
		t.shards[i].records = make(map[string]*crawler.HostRecord)
	}
	return t
}

func (t *hostTable) shard(host string) *hostShard {
	return &t.shards[xxhash.Sum64String(host)%hostShards]
}

// get returns a copy of the record, or a zero record with ok=false.
func (t *hostTable) get(host string) (crawler.HostRecord, bool) {
	s := t.shard(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[host]
	if !ok {
		return crawler.HostRecord{Host: host}, false
	}
	return *rec, true
}

// update applies fn to the record for host, creating it from init when
// missing, and returns the result.
func (t *hostTable) update(host string, init crawler.HostRecord, fn func(*crawler.HostRecord)) crawler.HostRecord {
	s := t.shard(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[host]
	if !ok {
		init.Host = host
		rec = &init
		s.records[host] = rec
	}
	fn(rec)
	return *rec
}

func (t *hostTable) put(rec crawler.HostRecord) {
	s := t.shard(rec.Host)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Host] = &rec
}

// all returns every record sorted by host.
func (t *hostTable) all() []crawler.HostRecord {
	var out []crawler.HostRecord
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, rec := range s.records {
			out = append(out, *rec)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
