// Package leaseledger tracks the CPU cores and GPU ids a main agent has
// committed to its live sub-agents. It is the main agent's private
// bookkeeping: the controller never sees it directly, only the
// available_cpu_cores and gpu_info.is_available derived from it on each
// heartbeat.
package leaseledger

import "sync"

// Entry is one live sub-agent's lease.
type Entry struct {
	TaskID   int64
	CPUCores int
	GPUIDs   []string
}

// Ledger is guarded by a mutex because the heartbeat-loop thread (which
// leases before spawning) and the reaper path (which releases on reap) can
// touch it concurrently (spec §5).
type Ledger struct {
	mu             sync.Mutex
	entries        map[int64]Entry
	lockedCPUCores int
	lockedGPUIDs   map[string]bool
}

// New constructs an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries:      make(map[int64]Entry),
		lockedGPUIDs: make(map[string]bool),
	}
}

// Lease commits cpuCores and gpuIDs to taskID, before the sub-agent process
// is spawned. Must be rolled back via Release if the spawn subsequently
// fails.
func (l *Ledger) Lease(taskID int64, cpuCores int, gpuIDs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[taskID] = Entry{TaskID: taskID, CPUCores: cpuCores, GPUIDs: append([]string(nil), gpuIDs...)}
	l.lockedCPUCores += cpuCores
	for _, id := range gpuIDs {
		l.lockedGPUIDs[id] = true
	}
}

// Release removes taskID's lease, freeing its cores and GPU ids. Called
// both on spawn failure (rollback) and on reap of a finished sub-agent.
func (l *Ledger) Release(taskID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[taskID]
	if !ok {
		return
	}
	delete(l.entries, taskID)
	l.lockedCPUCores -= entry.CPUCores
	for _, id := range entry.GPUIDs {
		delete(l.lockedGPUIDs, id)
	}
}

// AvailableCPUCores returns totalCPUCores minus everything currently leased.
func (l *Ledger) AvailableCPUCores(totalCPUCores int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	avail := totalCPUCores - l.lockedCPUCores
	if avail < 0 {
		avail = 0
	}
	return avail
}

// IsGPULeased reports whether gpuID is committed to a live sub-agent.
func (l *Ledger) IsGPULeased(gpuID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockedGPUIDs[gpuID]
}

// Len returns the number of live leases, mainly for tests and metrics.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
