// Package resourceprobe produces point-in-time snapshots of a host's CPU
// core count, memory limit, CPU usage, and visible GPUs, honoring
// container (cgroup) limits where present. No query failure ever fails the
// snapshot call as a whole: a field that cannot be read reports its zero
// value (spec §4.A).
package resourceprobe

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/taskctl/taskctl/internal/model"
)

const sampleInterval = 100 * time.Millisecond

// Snapshot mirrors the resource_info heartbeat payload (spec §6), minus the
// fields (available_cpu_cores, reject_new_task) that only the main agent's
// lease ledger can fill in.
type Snapshot struct {
	CPUCores         int
	CPUUsagePercent  float64
	MemoryTotalBytes int64
	MemoryUsedBytes  int64
	GPUInfo          []model.GPUInfo
	GPUIDs           []string
}

// Probe reads host/cgroup resource state. Constructed once per process.
type Probe struct {
	cgroupRoot string
	procRoot   string
}

// New constructs a Probe reading from the standard /sys/fs/cgroup and /proc
// mounts.
func New() *Probe {
	return &Probe{cgroupRoot: "/sys/fs/cgroup", procRoot: "/proc"}
}

// Snapshot returns the system-wide resource snapshot: CPU core count and
// memory limit honoring cgroup constraints, CPU usage sampled system-wide,
// and the visible GPU set.
func (p *Probe) Snapshot() Snapshot {
	return Snapshot{
		CPUCores:         p.CPUCoreCount(),
		CPUUsagePercent:  p.SampleCPUUsage(0),
		MemoryTotalBytes: p.MemoryTotalBytes(),
		MemoryUsedBytes:  p.memoryUsedBytes(),
		GPUInfo:          p.GPUInfo(nil),
		GPUIDs:           p.GPUIDs(),
	}
}

// SnapshotForPID is Snapshot but with CPU usage sampled against pid and its
// recursive children, the sub-agent's process-rooted view (spec §4.A,
// Open Question "sub-agent resource reporting").
func (p *Probe) SnapshotForPID(pid int, leasedGPUIDs []string) Snapshot {
	return Snapshot{
		CPUCores:         p.CPUCoreCount(),
		CPUUsagePercent:  p.SampleCPUUsage(pid),
		MemoryTotalBytes: p.MemoryTotalBytes(),
		MemoryUsedBytes:  p.memoryUsedBytes(),
		GPUInfo:          p.GPUInfo(leasedGPUIDs),
		GPUIDs:           p.GPUIDs(),
	}
}

// CPUCoreCount resolves the effective CPU core count: cgroup v2 cpu.max,
// else cgroup v1 cpu.cfs_quota_us/cpu.cfs_period_us, else host logical CPUs.
func (p *Probe) CPUCoreCount() int {
	if n, ok := p.cgroupV2CPUMax(); ok {
		return n
	}
	if n, ok := p.cgroupV1CPUQuota(); ok {
		return n
	}
	return runtime.NumCPU()
}

func (p *Probe) cgroupV2CPUMax() (int, bool) {
	data, err := os.ReadFile(filepath.Join(p.cgroupRoot, "cpu.max"))
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] == "max" {
		return 0, false
	}
	quota, err1 := strconv.ParseFloat(fields[0], 64)
	period, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil || period <= 0 {
		return 0, false
	}
	cores := int(quota / period)
	if cores < 1 {
		cores = 1
	}
	return cores, true
}

func (p *Probe) cgroupV1CPUQuota() (int, bool) {
	quota, err := readIntFile(filepath.Join(p.cgroupRoot, "cpu", "cpu.cfs_quota_us"))
	if err != nil || quota <= 0 {
		return 0, false
	}
	period, err := readIntFile(filepath.Join(p.cgroupRoot, "cpu", "cpu.cfs_period_us"))
	if err != nil || period <= 0 {
		return 0, false
	}
	cores := int(quota / period)
	if cores < 1 {
		cores = 1
	}
	return cores, true
}

// noLimitSentinel is the cgroup v1 convention for "no memory limit set":
// a value at or beyond this is ignored rather than reported as a real cap.
const noLimitSentinel = int64(1) << 62

// MemoryTotalBytes resolves the effective memory limit: cgroup v2
// memory.max, else cgroup v1 memory.limit_in_bytes (ignoring the sentinel
// "unlimited" value), else host total memory from /proc/meminfo.
func (p *Probe) MemoryTotalBytes() int64 {
	if data, err := os.ReadFile(filepath.Join(p.cgroupRoot, "memory.max")); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
				return v
			}
		}
	}
	if v, err := readIntFile(filepath.Join(p.cgroupRoot, "memory", "memory.limit_in_bytes")); err == nil {
		if v > 0 && v < noLimitSentinel {
			return v
		}
	}
	return p.hostMemoryTotalBytes()
}

func (p *Probe) hostMemoryTotalBytes() int64 {
	f, err := os.Open(filepath.Join(p.procRoot, "meminfo"))
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return kb * 1024
				}
			}
		}
	}
	return 0
}

func (p *Probe) memoryUsedBytes() int64 {
	if data, err := os.ReadFile(filepath.Join(p.cgroupRoot, "memory.current")); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return v
		}
	}
	if v, err := readIntFile(filepath.Join(p.cgroupRoot, "memory", "memory.usage_in_bytes")); err == nil {
		return v
	}
	total := p.hostMemoryTotalBytes()
	f, err := os.Open(filepath.Join(p.procRoot, "meminfo"))
	if err != nil {
		return 0
	}
	defer f.Close()
	var available int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemAvailable:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					available = kb * 1024
				}
			}
		}
	}
	if total > 0 && available >= 0 {
		return total - available
	}
	return 0
}

func readIntFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// SampleCPUUsage samples CPU usage over sampleInterval, discarding a
// warm-up read, for pid and its recursive children; pid=0 samples
// system-wide via /proc/stat.
func (p *Probe) SampleCPUUsage(pid int) float64 {
	if pid > 0 {
		return p.sampleProcessTreeCPU(pid)
	}
	return p.sampleSystemCPU()
}

func (p *Probe) sampleSystemCPU() float64 {
	read := func() (idle, total uint64, ok bool) {
		f, err := os.Open(filepath.Join(p.procRoot, "stat"))
		if err != nil {
			return 0, 0, false
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		if !scanner.Scan() {
			return 0, 0, false
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			return 0, 0, false
		}
		var sum uint64
		for _, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, false
			}
			sum += v
		}
		idleVal, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return idleVal, sum, true
	}

	idle1, total1, ok := read()
	if !ok {
		return 0
	}
	time.Sleep(sampleInterval)
	idle2, total2, ok := read()
	if !ok {
		return 0
	}
	totalDelta := total2 - total1
	idleDelta := idle2 - idle1
	if totalDelta == 0 {
		return 0
	}
	return 100 * float64(totalDelta-idleDelta) / float64(totalDelta)
}

func (p *Probe) sampleProcessTreeCPU(rootPID int) float64 {
	read := func() (uint64, bool) {
		pids := p.processTree(rootPID)
		var total uint64
		any := false
		for _, pid := range pids {
			jiffies, ok := p.processCPUJiffies(pid)
			if ok {
				total += jiffies
				any = true
			}
		}
		return total, any
	}

	j1, ok := read()
	if !ok {
		return 0
	}
	time.Sleep(sampleInterval)
	j2, ok := read()
	if !ok {
		return 0
	}
	if j2 < j1 {
		return 0
	}
	ticksPerSec := float64(100) // USER_HZ; standard on Linux.
	elapsedTicks := sampleInterval.Seconds() * ticksPerSec
	if elapsedTicks == 0 {
		return 0
	}
	return 100 * float64(j2-j1) / elapsedTicks
}

// processCPUJiffies returns utime+stime (fields 14,15 of /proc/<pid>/stat)
// for one process; the zero value and false if the process has exited.
func (p *Probe) processCPUJiffies(pid int) (uint64, bool) {
	data, err := os.ReadFile(filepath.Join(p.procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	// Fields after the process name (which may contain spaces/parens) start
	// right after the last ')'.
	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 {
		return 0, false
	}
	fields := strings.Fields(string(data[closeParen+1:]))
	if len(fields) < 14 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

// processTree returns rootPID and every descendant found by scanning
// /proc/*/stat for a matching ppid.
func (p *Probe) processTree(rootPID int) []int {
	entries, err := os.ReadDir(p.procRoot)
	if err != nil {
		return []int{rootPID}
	}
	children := map[int][]int{}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ppid, ok := p.parentPID(pid)
		if !ok {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}

	var all []int
	queue := []int{rootPID}
	seen := map[int]bool{}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		all = append(all, pid)
		queue = append(queue, children[pid]...)
	}
	return all
}

func (p *Probe) parentPID(pid int) (int, bool) {
	data, err := os.ReadFile(filepath.Join(p.procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 {
		return 0, false
	}
	fields := strings.Fields(string(data[closeParen+1:]))
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}
