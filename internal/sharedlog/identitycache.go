package sharedlog

// DefaultCacheCapacity is the default bound on the thread and process
// identity caches (spec §3, §9: "4096 entries ... linear scan").
const DefaultCacheCapacity = 4096

// threadCache is the producer-private, append-only record of thread ids
// seen so far and the process id each belongs to. It is a fixed-capacity
// array with linear-scan lookup, per spec §9: cache hits dominate after
// warm-up so the scan cost is acceptable, and append-only semantics plus
// the P3 visibility ordering are what actually matter, not the data
// structure. No entry is ever evicted.
type threadCache struct {
	tids []int32
	pids []int32
	cap  int
}

func newThreadCache(capacity int) *threadCache {
	return &threadCache{
		tids: make([]int32, 0, capacity),
		pids: make([]int32, 0, capacity),
		cap:  capacity,
	}
}

// lookup reports whether tid is already known, and its owning pid if so.
func (c *threadCache) lookup(tid int32) (pid int32, known bool) {
	for i, t := range c.tids {
		if t == tid {
			return c.pids[i], true
		}
	}
	return 0, false
}

// insert records tid -> pid. Returns false if the cache is already at
// capacity (spec §4.4 "Cache overflow policy"): the switch involving this
// thread is still recorded, just without a new Thread entry.
func (c *threadCache) insert(tid, pid int32) bool {
	if len(c.tids) >= c.cap {
		return false
	}
	c.tids = append(c.tids, tid)
	c.pids = append(c.pids, pid)
	return true
}

func (c *threadCache) full() bool { return len(c.tids) >= c.cap }

// processCache is the producer-private, append-only record of process ids
// seen so far. Same shape and rationale as threadCache.
type processCache struct {
	pids []int32
	cap  int
}

func newProcessCache(capacity int) *processCache {
	return &processCache{pids: make([]int32, 0, capacity), cap: capacity}
}

func (c *processCache) known(pid int32) bool {
	for _, p := range c.pids {
		if p == pid {
			return true
		}
	}
	return false
}

func (c *processCache) insert(pid int32) bool {
	if len(c.pids) >= c.cap {
		return false
	}
	c.pids = append(c.pids, pid)
	return true
}

func (c *processCache) full() bool { return len(c.pids) >= c.cap }
