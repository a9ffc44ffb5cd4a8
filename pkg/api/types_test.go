package api

import "testing"

func TestInstanceClone(t *testing.T) {
	orig := &Instance{
		VMName: "web-01",
		BaseVM: "ubuntu-base",
		Hardware: &Hardware{
			MemoryMB: 4096,
			Disks:    []Disk{{SizeMB: 1024}},
			NICs:     []NIC{{Network: "VM Network"}},
		},
	}
	cp := orig.Clone()

	cp.VMName = "changed"
	cp.Hardware.MemoryMB = 1
	cp.Hardware.Disks[0].SizeMB = 9
	cp.Hardware.NICs[0].Network = "other"

	if orig.VMName != "web-01" {
		t.Errorf("name mutated: %q", orig.VMName)
	}
	if orig.Hardware.MemoryMB != 4096 {
		t.Errorf("memory mutated: %d", orig.Hardware.MemoryMB)
	}
	if orig.Hardware.Disks[0].SizeMB != 1024 {
		t.Errorf("disk mutated: %d", orig.Hardware.Disks[0].SizeMB)
	}
	if orig.Hardware.NICs[0].Network != "VM Network" {
		t.Errorf("nic mutated: %q", orig.Hardware.NICs[0].Network)
	}
}

func TestInstanceCloneNilHardware(t *testing.T) {
	cp := (&Instance{VMName: "a"}).Clone()
	if cp.Hardware != nil {
		t.Errorf("hardware = %+v", cp.Hardware)
	}
}

func TestInstanceFailed(t *testing.T) {
	if (&Instance{}).Failed() {
		t.Error("clean instance reported failed")
	}
	if !(&Instance{Error: "boom"}).Failed() {
		t.Error("errored instance not reported failed")
	}
}
