package vmops

import (
	"github.com/pkg/errors"

	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/pkg/api"
)

var diskModes = map[string]bool{
	"persistent":                true,
	"independent_persistent":    true,
	"independent_nonpersistent": true,
	"nonpersistent":             true,
	"undoable":                  true,
	"append":                    true,
}

var nicTypes = map[string]bool{
	"e1000":   true,
	"pcnet32": true,
	"vmxnet2": true,
	"vmxnet3": true,
}

// buildHardwareSpec validates a hardware request and converts it into the
// client's reconfiguration spec. Validation happens before any mutating
// call is issued, so a bad request fails the workflow without side effects.
func buildHardwareSpec(hw *api.Hardware) (*vim.HardwareSpec, error) {
	if hw == nil {
		return nil, nil
	}
	spec := &vim.HardwareSpec{MemoryMB: hw.MemoryMB, NumCPUs: hw.CPUs}
	for _, d := range hw.Disks {
		if d.SizeMB <= 0 {
			return nil, errors.Errorf("disk size must be positive, got %d", d.SizeMB)
		}
		prov := d.Provisioning
		if prov == "" {
			prov = "thin"
		}
		if prov != "thin" && prov != "thick" {
			return nil, errors.Errorf("disk provisioning must be thin or thick, not %q", d.Provisioning)
		}
		mode := d.Mode
		if mode == "" {
			mode = "persistent"
		}
		if !diskModes[mode] {
			return nil, errors.Errorf("unknown disk mode %q", d.Mode)
		}
		spec.Disks = append(spec.Disks, vim.DiskSpec{SizeMB: d.SizeMB, Thin: prov == "thin", Mode: mode})
	}
	for _, n := range hw.NICs {
		if n.Network == "" {
			return nil, errors.New("network name must be specified for NICs")
		}
		typ := n.Type
		if typ == "" {
			typ = "vmxnet3"
		}
		if !nicTypes[typ] {
			return nil, errors.Errorf("unknown NIC type %q", n.Type)
		}
		spec.NICs = append(spec.NICs, vim.NICSpec{Network: n.Network, Type: typ})
	}
	if spec.MemoryMB == 0 && spec.NumCPUs == 0 && len(spec.Disks) == 0 && len(spec.NICs) == 0 {
		return nil, nil
	}
	return spec, nil
}
