package runq

import (
	"fmt"
	"sync/atomic"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	rb "github.com/glycerine/rbtree"
)

// DefaultSweepInterval is how often, in ticks, a stick
// table's registered sweeper fires.
const DefaultSweepInterval = 5000

var lastStickSn int64

func nextStickSn() int64 {
	return atomic.AddInt64(&lastStickSn, 1)
}

// stickEntry is one affinity binding. hkey is the hashed
// rendering of the user key; sn breaks expire ties so the
// tree order is total.
type stickEntry struct {
	hkey   string
	val    any
	expire Tick
	sn     int64
}

func (e *stickEntry) String() string {
	return fmt.Sprintf("stickEntry{hkey: %v, expire: %v, sn: %v}", e.hkey, e.expire, e.sn)
}

// StickTable binds string keys (a client address, a
// cookie) to a value for TTL ticks, refreshing on use.
// Keys are stored hashed, never verbatim. Entries sit in
// a tree ordered by (circular expire, sn) so expiry
// sweeps pop from the front and stop at the first live
// entry.
//
// The table belongs to one scheduler loop: use it from
// task and applet callbacks, and let RegisterSweeper
// evict the idle entries.
type StickTable struct {
	name string
	ttl  uint32

	tree   *rb.Tree
	byHkey map[string]*stickEntry
	hasher *blake3.Hasher

	sweeper *Task
	swept   int64
}

// NewStickTable returns an empty table whose entries live
// ttl ticks past their last Put or refreshing Get.
func NewStickTable(name string, ttl uint32) *StickTable {
	if ttl == 0 {
		panic("NewStickTable: ttl must be positive")
	}
	tab := &StickTable{
		name:   name,
		ttl:    ttl,
		byHkey: make(map[string]*stickEntry),
		hasher: blake3.New(64, nil),
	}
	tab.tree = rb.NewTree(func(av, bv rb.Item) int {
		a := av.(*stickEntry)
		b := bv.(*stickEntry)
		if a == b {
			return 0
		}
		if cmp := tickCmp(a.expire, b.expire); cmp != 0 {
			return cmp
		}
		if a.sn < b.sn {
			return -1
		}
		if a.sn > b.sn {
			return 1
		}
		return 0
	})
	return tab
}

// HashKey returns the stored rendering of key, a BLAKE3
// digest in the same "blake3.33B-" form the rest of this
// stack names content by.
func (tab *StickTable) HashKey(key string) string {
	tab.hasher.Reset()
	tab.hasher.Write([]byte(key))
	sum := tab.hasher.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(sum[:33])
}

func (tab *StickTable) Name() string {
	return tab.name
}

func (tab *StickTable) Len() int {
	return len(tab.byHkey)
}

// Swept reports how many entries sweeps have evicted.
func (tab *StickTable) Swept() int64 {
	return tab.swept
}

// treeDel must find e; the map and tree hold entries in
// lockstep.
func (tab *StickTable) treeDel(e *stickEntry) {
	it, found := tab.tree.FindGE_isEqual(e)
	if !found {
		panic(fmt.Sprintf("stick table '%v' corrupt: entry %v in map but not tree", tab.name, e))
	}
	tab.tree.DeleteWithIterator(it)
}

// relocate moves e to a new expire slot, same path a
// re-put takes.
func (tab *StickTable) relocate(e *stickEntry, expire Tick) {
	tab.treeDel(e)
	e.expire = expire
	tab.tree.Insert(e)
}

// Put binds key to val until ttl ticks past now. A
// re-put overwrites the value and relocates the expiry.
func (tab *StickTable) Put(key string, val any, now Tick) {
	hkey := tab.HashKey(key)
	expire := TickAdd(now, tab.ttl)
	if e, ok := tab.byHkey[hkey]; ok {
		e.val = val
		tab.relocate(e, expire)
		return
	}
	e := &stickEntry{
		hkey:   hkey,
		val:    val,
		expire: expire,
		sn:     nextStickSn(),
	}
	tab.byHkey[hkey] = e
	tab.tree.Insert(e)
}

// Get looks key up. An entry past its expiry is a miss
// (and is evicted on the spot); a hit refreshes the
// expiry when refresh is true.
func (tab *StickTable) Get(key string, now Tick, refresh bool) (val any, ok bool) {
	hkey := tab.HashKey(key)
	e, ok := tab.byHkey[hkey]
	if !ok {
		return nil, false
	}
	if TickIsExpired(e.expire, now) {
		tab.treeDel(e)
		delete(tab.byHkey, hkey)
		return nil, false
	}
	if refresh {
		tab.relocate(e, TickAdd(now, tab.ttl))
	}
	return e.val, true
}

// Touch refreshes key's expiry without reading it,
// reporting whether the key was live.
func (tab *StickTable) Touch(key string, now Tick) bool {
	_, ok := tab.Get(key, now, true)
	return ok
}

// sweep evicts expired entries front-first, stopping at
// the first live one.
func (tab *StickTable) sweep(now Tick) (n int) {
	for it := tab.tree.Min(); !it.Limit(); {
		e := it.Item().(*stickEntry)
		if !TickIsExpired(e.expire, now) {
			break // sorted by expire, so all others are later.
		}
		delmeIt := it
		it = it.Next()
		tab.tree.DeleteWithIterator(delmeIt)
		delete(tab.byHkey, e.hkey)
		n++
	}
	tab.swept += int64(n)
	return
}

// RegisterSweeper arms a periodic task on s that sweeps
// this table every interval ticks (0 means
// DefaultSweepInterval). Idempotent; the second and later
// calls return the task already armed. The scheduler must
// be started.
func (tab *StickTable) RegisterSweeper(s *Sched, interval uint32) (*Task, error) {
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	if tab.sweeper != nil {
		return tab.sweeper, nil
	}
	t := NewPeriodicTask(interval, func(tk *Task, now Tick) (keep bool) {
		tab.sweep(now)
		return true
	}, tab, 0)
	if err := s.Arm(t, TickAdd(s.Now(), interval)); err != nil {
		return nil, err
	}
	tab.sweeper = t
	return t, nil
}
