package resourceprobe

import (
	"testing"
)

func TestGPUIDsFromCudaVisibleDevices(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "0, 2, 3")
	p := &Probe{cgroupRoot: t.TempDir(), procRoot: t.TempDir()}

	got := p.GPUIDs()
	want := []string{"0", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestGPUInfoMarksLeasedGPUsUnavailable(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,1")
	p := &Probe{cgroupRoot: t.TempDir(), procRoot: t.TempDir()}

	info := p.GPUInfo([]string{"1"})
	if len(info) != 2 {
		t.Fatalf("expected 2 gpu entries, got %d", len(info))
	}
	for _, g := range info {
		if g.GPUID == "1" && g.IsAvailable {
			t.Fatalf("expected gpu 1 marked unavailable (leased), got %+v", g)
		}
		if g.GPUID == "0" && !g.IsAvailable {
			t.Fatalf("expected gpu 0 available, got %+v", g)
		}
	}
}
