package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shmstore/shmstore/internal/metrics"
	"github.com/shmstore/shmstore/pkg/oid"
)

// EvictionPolicy selects which eligible entries to reclaim under capacity
// pressure. The directory keeps the policy informed as entries move in and
// out of the eligible (sealed, unreferenced) set; SelectVictims must return
// only identifiers drawn from the eligible map it is given, and anything
// else is treated as a contract violation and ignored.
type EvictionPolicy interface {
	// EntryEligible tells the policy an entry became sealed and unreferenced.
	EntryEligible(id oid.ID, size int64)
	// EntryIneligible tells the policy an entry was referenced again or removed.
	EntryIneligible(id oid.ID)
	// SelectVictims returns identifiers to reclaim, in reclamation order,
	// to free at least bytesNeeded bytes.
	SelectVictims(eligible map[oid.ID]int64, bytesNeeded int64) []oid.ID
}

// ClientHolds is the per-session view the directory consults on disconnect:
// which objects the client still holds, and which unsealed objects it created.
type ClientHolds interface {
	// HeldObjects returns the outstanding hold count per object.
	HeldObjects() map[oid.ID]int
	// UnsealedObjects returns objects the client created but never sealed.
	UnsealedObjects() []oid.ID
}

// Stats is a point-in-time summary of directory usage for one device domain.
type Stats struct {
	Device   int   `json:"device_num"`
	Capacity int64 `json:"capacity_bytes"`
	Used     int64 `json:"used_bytes"`
	Objects  int   `json:"objects"`
	Sealed   int   `json:"sealed"`
}

// Directory is the object table: the authoritative mapping from object
// identifiers to their entries, plus capacity accounting and eviction
// orchestration. It owns every entry exclusively.
//
// The directory has no internal locking. All mutations must come from a
// single goroutine; the server serializes client requests into one ordered
// stream before they reach it.
type Directory struct {
	entries    map[oid.ID]*Entry
	allocators map[int]Allocator
	policy     EvictionPolicy
	capacity   int64 // per placement domain
	used       map[int]int64
	metrics    *metrics.StoreMetrics

	onSealed  func(Info)
	onRemoved func(Info)
}

// NewDirectory creates a directory bounded by capacity bytes per placement
// domain. Allocators are registered separately per device.
func NewDirectory(capacity int64, policy EvictionPolicy) *Directory {
	return &Directory{
		entries:    make(map[oid.ID]*Entry),
		allocators: make(map[int]Allocator),
		policy:     policy,
		capacity:   capacity,
		used:       make(map[int]int64),
	}
}

// RegisterAllocator routes allocations for the given device number to a.
func (d *Directory) RegisterAllocator(device int, a Allocator) {
	d.allocators[device] = a
}

// SetMetrics attaches store metrics. Optional.
func (d *Directory) SetMetrics(m *metrics.StoreMetrics) {
	d.metrics = m
}

// OnSealed registers a callback invoked with the object info record every
// time an entry is sealed. Used by the server to push seal notifications.
func (d *Directory) OnSealed(fn func(Info)) {
	d.onSealed = fn
}

// OnRemoved registers a callback invoked whenever an entry leaves the
// directory, whether by eviction, delete or abort.
func (d *Directory) OnRemoved(fn func(Info)) {
	d.onRemoved = fn
}

// Capacity returns the per-domain capacity bound in bytes.
func (d *Directory) Capacity() int64 {
	return d.capacity
}

// Used returns the rounded bytes currently allocated on the given device.
func (d *Directory) Used(device int) int64 {
	return d.used[device]
}

// Len returns the number of live entries.
func (d *Directory) Len() int {
	return len(d.entries)
}

// Create allocates backing memory for a new object and inserts its entry in
// state CREATED with the creator's hold. The returned entry carries enough
// location information (segment handle, offset, sizes, device) for the
// creator to map and write the region directly.
func (d *Directory) Create(id oid.ID, dataSize, metadataSize int64, device int, owner string) (*Entry, error) {
	if _, ok := d.entries[id]; ok {
		return nil, ErrObjectExists
	}
	if dataSize < 0 || metadataSize < 0 {
		return nil, fmt.Errorf("negative object size: data=%d metadata=%d", dataSize, metadataSize)
	}

	rounded := RoundUp(dataSize + metadataSize)
	if rounded == 0 {
		rounded = BlockSize
	}

	alloc, err := d.allocate(device, rounded)
	if err != nil {
		if d.metrics != nil {
			d.metrics.OutOfMemoryErrors.Inc()
		}
		return nil, err
	}

	entry := &Entry{
		ID:           id,
		Alloc:        alloc,
		DataSize:     dataSize,
		MetadataSize: metadataSize,
		Device:       device,
		RefCount:     1, // the creator's own hold
		State:        ObjectCreated,
		CreatedAt:    time.Now().UTC(),
		Owner:        owner,
	}
	d.entries[id] = entry
	d.used[device] += rounded

	if d.metrics != nil {
		d.metrics.ObjectsCreated.Inc()
		d.metrics.ObjectsLive.WithLabelValues(metrics.DeviceLabel(device)).Inc()
		d.metrics.BytesInUse.WithLabelValues(metrics.DeviceLabel(device)).Add(float64(rounded))
	}

	log.Debug().
		Str("object", id.Short()).
		Int64("data_size", dataSize).
		Int64("metadata_size", metadataSize).
		Int("device", device).
		Str("owner", owner).
		Msg("object created")

	return entry, nil
}

// Seal transitions an entry from CREATED to SEALED, making it visible to
// Get from any client and, once unreferenced, eligible for eviction. The
// digest is computed here for host objects when the caller does not supply
// one; device objects must arrive with a client-computed digest since the
// store cannot read device memory.
func (d *Directory) Seal(id oid.ID, digest Digest) (*Entry, error) {
	entry, ok := d.entries[id]
	if !ok {
		return nil, ErrObjectNotFound
	}
	if entry.State != ObjectCreated {
		return nil, fmt.Errorf("%w: seal on %s object", ErrInvalidState, entry.State)
	}

	if digest.IsZero() {
		if entry.Device != HostDevice {
			return nil, fmt.Errorf("%w: device object sealed without digest", ErrInvalidState)
		}
		digest = ComputeDigest(entry.Data(), entry.Metadata())
	}

	entry.State = ObjectSealed
	entry.Digest = digest

	if entry.RefCount == 0 {
		// Creator released its hold before sealing; the entry is
		// immediately eligible.
		d.policy.EntryEligible(id, entry.RoundedSize())
	}

	if d.metrics != nil {
		d.metrics.ObjectsSealed.Inc()
	}
	if d.onSealed != nil {
		d.onSealed(entry.Info())
	}

	log.Debug().
		Str("object", id.Short()).
		Str("digest", digest.String()).
		Msg("object sealed")

	return entry, nil
}

// Get looks up a sealed object and takes a hold on it. Absent or not yet
// sealed objects report ErrObjectNotFound; callers poll rather than block.
func (d *Directory) Get(id oid.ID) (*Entry, error) {
	entry, ok := d.entries[id]
	if !ok || entry.State != ObjectSealed {
		return nil, ErrObjectNotFound
	}

	if entry.RefCount == 0 {
		d.policy.EntryIneligible(id)
	}
	entry.RefCount++

	return entry, nil
}

// Release drops one hold on an object. It never reclaims memory itself;
// reclamation is demand driven by a later allocation or an explicit Delete.
func (d *Directory) Release(id oid.ID) error {
	entry, ok := d.entries[id]
	if !ok {
		return ErrObjectNotFound
	}
	if entry.RefCount == 0 {
		if d.metrics != nil {
			d.metrics.UnderflowErrors.Inc()
		}
		log.Error().
			Str("object", id.Short()).
			Msg("release without matching hold, rejecting")
		return ErrRefCountUnderflow
	}

	entry.RefCount--
	if entry.RefCount == 0 && entry.State == ObjectSealed {
		d.policy.EntryEligible(id, entry.RoundedSize())
	}
	return nil
}

// Abort removes an unsealed object on behalf of its creator, returning its
// space to the allocator. Only CREATED entries may be aborted; nobody but
// the creator can hold an unsealed object.
func (d *Directory) Abort(id oid.ID) error {
	entry, ok := d.entries[id]
	if !ok {
		return ErrObjectNotFound
	}
	if entry.State != ObjectCreated {
		return fmt.Errorf("%w: abort on %s object", ErrInvalidState, entry.State)
	}

	// Abort is unconditional: no reader can hold an unsealed object, so
	// the eligibility assertion does not apply here.
	d.remove(entry)

	if d.metrics != nil {
		d.metrics.ObjectsAborted.Inc()
	}
	log.Debug().Str("object", id.Short()).Msg("object aborted")
	return nil
}

// Delete explicitly reclaims a sealed, unreferenced object.
func (d *Directory) Delete(id oid.ID) error {
	entry, ok := d.entries[id]
	if !ok {
		return ErrObjectNotFound
	}
	if !entry.Eligible() {
		return fmt.Errorf("%w: delete on %s object with %d holds",
			ErrInvalidState, entry.State, entry.RefCount)
	}

	if err := d.reclaim(entry); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.ObjectsDeleted.Inc()
	}
	log.Debug().Str("object", id.Short()).Msg("object deleted")
	return nil
}

// ReleaseAllFor drops every hold attributed to a disconnecting client and
// aborts the unsealed objects it created, exactly once each. Holds that no
// longer resolve are skipped; a crashed client must never leave a permanent
// reference leak, and repeating the cleanup is a no-op because the session's
// hold table is consumed by the caller afterwards.
func (d *Directory) ReleaseAllFor(c ClientHolds) {
	for id, count := range c.HeldObjects() {
		for i := 0; i < count; i++ {
			if err := d.Release(id); err != nil {
				log.Warn().
					Str("object", id.Short()).
					Err(err).
					Msg("disconnect cleanup could not release hold")
				break
			}
		}
	}

	for _, id := range c.UnsealedObjects() {
		if err := d.Abort(id); err != nil {
			log.Warn().
				Str("object", id.Short()).
				Err(err).
				Msg("disconnect cleanup could not abort unsealed object")
		}
	}
}

// Lookup returns an entry without taking a hold, for status surfaces.
func (d *Directory) Lookup(id oid.ID) (*Entry, bool) {
	entry, ok := d.entries[id]
	return entry, ok
}

// List snapshots every live entry's info record.
func (d *Directory) List() []Info {
	infos := make([]Info, 0, len(d.entries))
	for _, e := range d.entries {
		infos = append(infos, e.Info())
	}
	return infos
}

// StatsByDevice summarizes usage per placement domain.
func (d *Directory) StatsByDevice() []Stats {
	byDevice := make(map[int]*Stats)
	for device := range d.allocators {
		byDevice[device] = &Stats{Device: device, Capacity: d.capacity, Used: d.used[device]}
	}
	for _, e := range d.entries {
		s, ok := byDevice[e.Device]
		if !ok {
			s = &Stats{Device: e.Device, Capacity: d.capacity, Used: d.used[e.Device]}
			byDevice[e.Device] = s
		}
		s.Objects++
		if e.State == ObjectSealed {
			s.Sealed++
		}
	}

	out := make([]Stats, 0, len(byDevice))
	for _, s := range byDevice {
		out = append(out, *s)
	}
	return out
}

// allocate obtains rounded bytes of backing memory on the given device,
// evicting eligible entries as needed to stay within the capacity bound.
// If the backing allocator still fails within the bound, every remaining
// eligible entry the policy offers is reclaimed and the allocation retried
// once before giving up.
func (d *Directory) allocate(device int, rounded int64) (*Allocation, error) {
	allocator, ok := d.allocators[device]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownDevice, device)
	}
	if rounded > d.capacity {
		return nil, ErrOutOfMemory
	}

	if avail := d.capacity - d.used[device]; rounded > avail {
		d.evictFor(device, rounded-avail)
		if d.capacity-d.used[device] < rounded {
			return nil, ErrOutOfMemory
		}
	}

	alloc, err := allocator.Allocate(rounded)
	if err != nil {
		d.evictFor(device, rounded)
		if alloc, err = allocator.Allocate(rounded); err != nil {
			log.Warn().Err(err).Int64("bytes", rounded).Int("device", device).
				Msg("allocation failed after eviction")
			return nil, ErrOutOfMemory
		}
	}
	return alloc, nil
}

// evictFor reclaims policy-selected eligible entries on the given device
// until at least needed bytes are freed or the candidates run out. It never
// reclaims more than necessary and never touches an ineligible entry, even
// if the policy names one.
func (d *Directory) evictFor(device int, needed int64) int64 {
	if needed <= 0 {
		return 0
	}

	eligible := make(map[oid.ID]int64)
	for id, e := range d.entries {
		if e.Device == device && e.Eligible() {
			eligible[id] = e.RoundedSize()
		}
	}
	if len(eligible) == 0 {
		return 0
	}

	victims := d.policy.SelectVictims(eligible, needed)

	var freed int64
	for _, id := range victims {
		if freed >= needed {
			break
		}
		size, offered := eligible[id]
		entry, ok := d.entries[id]
		if !offered || !ok || !entry.Eligible() {
			// Contract violation by the policy. Reclaiming a referenced
			// or unsealed entry risks freeing memory someone still reads.
			log.Error().
				Str("object", id.Short()).
				Msg("eviction policy selected ineligible entry, ignoring")
			continue
		}
		if err := d.reclaim(entry); err != nil {
			continue
		}
		freed += size
		if d.metrics != nil {
			d.metrics.ObjectsEvicted.Inc()
		}
		log.Debug().
			Str("object", id.Short()).
			Int64("bytes", size).
			Msg("object evicted under capacity pressure")
	}
	return freed
}

// reclaim returns an entry's backing memory to its allocator and removes it
// from the directory. The eligibility assertion is the last line of defense
// against freeing memory a client still has mapped.
func (d *Directory) reclaim(entry *Entry) error {
	if !entry.Eligible() {
		log.Error().
			Str("object", entry.ID.Short()).
			Str("state", entry.State.String()).
			Int("ref_count", entry.RefCount).
			Msg("refusing to reclaim entry still in use")
		return ErrInvalidState
	}

	d.remove(entry)
	return nil
}

// remove frees an entry's backing memory and drops it from the table.
// Callers are responsible for the eligibility check; only Abort bypasses it.
func (d *Directory) remove(entry *Entry) {
	if allocator, ok := d.allocators[entry.Device]; ok {
		if err := allocator.Free(entry.Alloc); err != nil {
			log.Warn().
				Str("object", entry.ID.Short()).
				Err(err).
				Msg("freeing backing memory failed")
		}
	}

	d.used[entry.Device] -= entry.RoundedSize()
	delete(d.entries, entry.ID)
	d.policy.EntryIneligible(entry.ID)

	if d.metrics != nil {
		d.metrics.ObjectsLive.WithLabelValues(metrics.DeviceLabel(entry.Device)).Dec()
		d.metrics.BytesInUse.WithLabelValues(metrics.DeviceLabel(entry.Device)).Sub(float64(entry.RoundedSize()))
	}
	if d.onRemoved != nil {
		d.onRemoved(entry.Info())
	}
}
