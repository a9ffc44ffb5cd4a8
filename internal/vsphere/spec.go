package vsphere

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/mkosonen/vmherd/internal/vim"
)

// configSpec turns a validated hardware request into one reconfigure spec.
// Added disks land on the VM's first SCSI controller next to its existing
// disks; NICs are resolved against the datacenter's networks.
func (c *Client) configSpec(ctx context.Context, vmObj *vim.VirtualMachine, spec vim.HardwareSpec) (*types.VirtualMachineConfigSpec, error) {
	cfg := &types.VirtualMachineConfigSpec{
		MemoryMB: spec.MemoryMB,
		NumCPUs:  spec.NumCPUs,
	}
	if len(spec.Disks) == 0 && len(spec.NICs) == 0 {
		return cfg, nil
	}
	devices, err := c.vm(vmObj).Device(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch devices of %q", vmObj.Name)
	}
	for _, d := range spec.Disks {
		ctrl, err := devices.FindSCSIController("")
		if err != nil {
			return nil, errors.Wrapf(err, "no SCSI controller on %q", vmObj.Name)
		}
		disk := devices.CreateDisk(ctrl, types.ManagedObjectReference{}, "")
		disk.CapacityInKB = d.SizeMB * 1024
		backing := disk.Backing.(*types.VirtualDiskFlatVer2BackingInfo)
		backing.ThinProvisioned = types.NewBool(d.Thin)
		backing.DiskMode = d.Mode
		cfg.DeviceChange = append(cfg.DeviceChange, &types.VirtualDeviceConfigSpec{
			Operation:     types.VirtualDeviceConfigSpecOperationAdd,
			FileOperation: types.VirtualDeviceConfigSpecFileOperationCreate,
			Device:        disk,
		})
		devices = append(devices, disk)
	}
	for _, n := range spec.NICs {
		netObj, err := c.finder.Network(ctx, n.Network)
		if err != nil {
			return nil, errors.Wrapf(err, "network %q", n.Network)
		}
		backing, err := netObj.EthernetCardBackingInfo(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "backing for network %q", n.Network)
		}
		card, err := object.EthernetCardTypes().CreateEthernetCard(n.Type, backing)
		if err != nil {
			return nil, errors.Wrapf(err, "NIC type %q", n.Type)
		}
		cfg.DeviceChange = append(cfg.DeviceChange, &types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationAdd,
			Device:    card,
		})
	}
	return cfg, nil
}
