// Package state owns the per-vehicle hot state: a sharded map from
// vehicle_id to a ring buffer of recent frames. Its vehicle count (Len)
// is what internal/dropout samples for the dropout-proxy rule.
package state

import (
	"hash/fnv"
	"sync"

	"anomaly-engine/internal/ring"
	"anomaly-engine/internal/telemetry"
)

const shardCount = 32

// VehicleState is the per-vehicle hot state: a bounded history of recent
// frames. Cross-vehicle active-agent counts for DropoutProxy live in
// internal/dropout.Counter, not here — every vehicle shares the same
// scene-wide count, so there is nothing vehicle-specific to hold.
type VehicleState struct {
	VehicleID string
	history   *ring.Buffer
}

// Snapshot returns an ordered, non-aliasing copy of the vehicle's recent
// frame history, oldest first.
func (v *VehicleState) Snapshot() []telemetry.Frame {
	if v == nil {
		return nil
	}
	return v.history.Snapshot()
}

type shard struct {
	mu       sync.Mutex
	vehicles map[string]*VehicleState
}

// Store maps vehicle_id to VehicleState using shard-level locking so
// workers on different partitions rarely contend.
type Store struct {
	ringSize int
	shards   [shardCount]*shard
}

// New constructs a StateStore whose per-vehicle ring buffers hold
// ringSize frames.
func New(ringSize int) *Store {
	if ringSize <= 0 {
		ringSize = 30
	}
	s := &Store{ringSize: ringSize}
	for i := range s.shards {
		s.shards[i] = &shard{vehicles: make(map[string]*VehicleState)}
	}
	return s
}

func (s *Store) shardFor(vehicleID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return s.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the VehicleState for vehicleID, creating it on first
// reference.
func (s *Store) GetOrCreate(vehicleID string) *VehicleState {
	sh := s.shardFor(vehicleID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	vs, ok := sh.vehicles[vehicleID]
	if !ok {
		vs = &VehicleState{VehicleID: vehicleID, history: ring.New(s.ringSize)}
		sh.vehicles[vehicleID] = vs
	}
	return vs
}

// Ingest appends a frame to the vehicle's history and returns the updated
// state, creating the vehicle on first reference. The append happens
// while the shard lock is held; Snapshot on the returned state copies the
// history without taking the shard lock.
func (s *Store) Ingest(f telemetry.Frame) *VehicleState {
	sh := s.shardFor(f.VehicleID)
	sh.mu.Lock()
	vs, ok := sh.vehicles[f.VehicleID]
	if !ok {
		vs = &VehicleState{VehicleID: f.VehicleID, history: ring.New(s.ringSize)}
		sh.vehicles[f.VehicleID] = vs
	}
	vs.history.Push(f)
	sh.mu.Unlock()
	return vs
}

// Get returns the VehicleState for vehicleID, or nil if unknown.
func (s *Store) Get(vehicleID string) *VehicleState {
	sh := s.shardFor(vehicleID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.vehicles[vehicleID]
}

// VehicleIDs returns a snapshot of all tracked vehicle identifiers. The
// cross-vehicle dropout counter samples Len, not this list.
func (s *Store) VehicleIDs() []string {
	var ids []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id := range sh.vehicles {
			ids = append(ids, id)
		}
		sh.mu.Unlock()
	}
	return ids
}

// Len reports the total number of tracked vehicles across all shards.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.vehicles)
		sh.mu.Unlock()
	}
	return total
}
