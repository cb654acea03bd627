package resourceprobe

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/taskctl/taskctl/internal/model"
)

// nvidiaDevicesGlob finds NVIDIA device nodes; the present set is taken as
// the discoverable GPU ids when CUDA_VISIBLE_DEVICES is unset.
const nvidiaDevicesGlob = "/dev/nvidia[0-9]*"

// GPUIDs returns the GPU ids this host should enumerate: the
// comma-separated CUDA_VISIBLE_DEVICES list when set, else every
// discoverable GPU (spec §4.A).
func (p *Probe) GPUIDs() []string {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok && v != "" {
		var ids []string
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				ids = append(ids, part)
			}
		}
		return ids
	}
	return p.discoverGPUIDs()
}

func (p *Probe) discoverGPUIDs() []string {
	matches, err := filepath.Glob(nvidiaDevicesGlob)
	if err != nil || len(matches) == 0 {
		return nil
	}
	var ids []int
	for _, m := range matches {
		base := filepath.Base(m)
		n, err := strconv.Atoi(strings.TrimPrefix(base, "nvidia"))
		if err != nil {
			continue
		}
		ids = append(ids, n)
	}
	sort.Ints(ids)
	out := make([]string, len(ids))
	for i, n := range ids {
		out[i] = strconv.Itoa(n)
	}
	return out
}

// GPUInfo returns per-GPU utilization and memory for each id GPUIDs
// reports. A query that fails for one GPU reports zero/default for that
// GPU rather than dropping it or failing the call. leasedGPUIDs, when
// given, flips is_available to false for ids currently leased to a
// sub-agent — the main agent applies this on every heartbeat snapshot.
func (p *Probe) GPUInfo(leasedGPUIDs []string) []model.GPUInfo {
	leased := make(map[string]bool, len(leasedGPUIDs))
	for _, id := range leasedGPUIDs {
		leased[id] = true
	}

	var out []model.GPUInfo
	for _, id := range p.GPUIDs() {
		usage, memUsed, memTotal := p.nvmlQuery(id)
		out = append(out, model.GPUInfo{
			GPUID:            id,
			Usage:            usage,
			MemoryUsedBytes:  memUsed,
			MemoryTotalBytes: memTotal,
			IsAvailable:      !leased[id],
		})
	}
	return out
}

// nvmlQuery would call into NVML; host metric probing via NVML is outside
// this system's core (spec §1), so this returns a zero reading rather than
// linking an NVML binding, matching the probe's fail-soft-per-field policy.
func (p *Probe) nvmlQuery(gpuID string) (usage float64, memUsedBytes, memTotalBytes int64) {
	return 0, 0, 0
}
