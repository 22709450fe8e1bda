// Package peripheral holds the registry of known BLE peripherals: one record
// per device, mutated only by confirmed adapter events.
package peripheral

import (
	"sync"
	"time"

	"github.com/chaz8081/blemanager/internal/ble"
)

// NoName is shown for peripherals that advertise no name.
const NoName = "NO NAME"

// Record is the registry's view of one peripheral.
type Record struct {
	ID            string
	Name          string
	Connected     bool
	RSSI          *int // nil until the first successful read
	Advertisement ble.Advertisement
	LastSeen      time.Time
}

// HasRSSI reports whether an RSSI read has completed for the record.
func (r Record) HasRSSI() bool { return r.RSSI != nil }

func (r Record) clone() Record {
	if r.RSSI != nil {
		v := *r.RSSI
		r.RSSI = &v
	}
	if r.Advertisement.ManufacturerData != nil {
		md := make(map[uint16][]byte, len(r.Advertisement.ManufacturerData))
		for k, v := range r.Advertisement.ManufacturerData {
			md[k] = append([]byte(nil), v...)
		}
		r.Advertisement.ManufacturerData = md
	}
	return r
}

// Registry maps peripheral IDs to records. All methods are safe for
// concurrent use; every mutation is applied atomically with respect to
// Snapshot.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*Record
	order    []string // first-discovery order
	version  uint64
	onChange func()
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// OnChange registers fn to run after every mutation, outside the lock.
// Only one hook is kept; a later call replaces it.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// UpsertDiscovered inserts a record for p or merges p into the existing one.
// Connection state and RSSI survive rediscovery. A rediscovery without a name
// keeps a previously reported name.
func (r *Registry) UpsertDiscovered(p ble.Peripheral) {
	r.mu.Lock()
	rec, ok := r.records[p.ID]
	if !ok {
		rec = r.insertLocked(p.ID)
	}
	switch {
	case p.Name != "":
		rec.Name = p.Name
	case rec.Name == "":
		rec.Name = NoName
	}
	rec.Advertisement = p.Advertisement
	rec.LastSeen = r.now()
	fn := r.bumpLocked()
	r.mu.Unlock()
	notify(fn)
}

// UpsertConnected merges a snapshot of peripherals the adapter reports as
// connected, inserting any that are not yet known.
func (r *Registry) UpsertConnected(ps []ble.Peripheral) {
	if len(ps) == 0 {
		return
	}
	r.mu.Lock()
	for _, p := range ps {
		rec, ok := r.records[p.ID]
		if !ok {
			rec = r.insertLocked(p.ID)
			rec.Advertisement = p.Advertisement
			rec.LastSeen = r.now()
		}
		if p.Name != "" {
			rec.Name = p.Name
		} else if rec.Name == "" {
			rec.Name = NoName
		}
		rec.Connected = true
	}
	fn := r.bumpLocked()
	r.mu.Unlock()
	notify(fn)
}

// MarkConnected records a confirmed connection. An unknown ID gets a record,
// since the adapter has just vouched for the device.
func (r *Registry) MarkConnected(id string) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		rec = r.insertLocked(id)
		rec.Name = NoName
	}
	if ok && rec.Connected {
		r.mu.Unlock()
		return
	}
	rec.Connected = true
	fn := r.bumpLocked()
	r.mu.Unlock()
	notify(fn)
}

// MarkDisconnected clears the connected flag and reports whether anything
// changed. Unknown IDs are ignored. Name and RSSI are kept.
func (r *Registry) MarkDisconnected(id string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || !rec.Connected {
		r.mu.Unlock()
		return false
	}
	rec.Connected = false
	fn := r.bumpLocked()
	r.mu.Unlock()
	notify(fn)
	return true
}

// SetRSSI stores a signal reading for a known peripheral and reports whether
// the record exists.
func (r *Registry) SetRSSI(id string, rssi int) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	v := rssi
	rec.RSSI = &v
	fn := r.bumpLocked()
	r.mu.Unlock()
	notify(fn)
	return true
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Snapshot returns copies of all records in discovery order.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].clone())
	}
	return out
}

// Len returns the number of known peripherals.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Version increases by one with every applied mutation.
func (r *Registry) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Registry) insertLocked(id string) *Record {
	rec := &Record{ID: id}
	r.records[id] = rec
	r.order = append(r.order, id)
	return rec
}

func (r *Registry) bumpLocked() func() {
	r.version++
	return r.onChange
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}
