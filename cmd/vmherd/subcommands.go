package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mkosonen/vmherd/internal/config"
	"github.com/mkosonen/vmherd/internal/guest"
	"github.com/mkosonen/vmherd/internal/report"
	"github.com/mkosonen/vmherd/internal/vim"
	"github.com/mkosonen/vmherd/internal/vmops"
	"github.com/mkosonen/vmherd/internal/vsphere"
	"github.com/mkosonen/vmherd/pkg/api"
)

// runBatch connects to vSphere, drives one workflow per instance to
// completion and journals the outcome. Per-instance failures are reported
// and counted; only a cancelled context aborts the batch.
func runBatch(cmd *cobra.Command, operation string, instances map[string]*api.Instance, build func(o *vmops.Ops) vmops.Factory) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("vi-url"); v != "" {
		cfg.VSphere.URL = v
	}
	if v, _ := cmd.Flags().GetString("vi-username"); v != "" {
		cfg.VSphere.Username = v
	}
	if v, _ := cmd.Flags().GetString("vi-password"); v != "" {
		cfg.VSphere.Password = v
	}
	ctx := cmd.Context()

	client, err := vsphere.Connect(ctx, cfg.VSphere.URL, cfg.VSphere.Username, cfg.VSphere.Password, cfg.VSphere.Insecure, log.Logger)
	if err != nil {
		return err
	}

	var runner vmops.GuestRunner
	if cfg.Guest.KeyPath != "" {
		signer, err := guest.LoadSigner(cfg.Guest.KeyPath)
		if err != nil {
			return err
		}
		runner = &guest.Configurator{
			User:    cfg.Guest.User,
			Port:    cfg.Guest.Port,
			Signer:  signer,
			Retries: 3,
			Log:     log.Logger,
		}
	}

	for _, inst := range instances {
		if inst.Placement == "" {
			inst.Placement = cfg.Defaults.Placement
		}
	}

	ops := vmops.NewOps(client, vmops.Options{
		Log:          log.Logger,
		Guest:        runner,
		TaskTimeout:  cfg.Defaults.TaskTimeout,
		ToolsTimeout: cfg.Defaults.ToolsTimeout,
	})
	loop := &vmops.Runner{
		Client:       client,
		Log:          log.Logger,
		TickInterval: cfg.Defaults.TickInterval,
	}

	started := time.Now()
	results, err := loop.RunOnInstances(ctx, instances, build(ops))
	if err != nil {
		return err
	}
	finished := time.Now()

	failed := printResults(results)
	journal(ctx, cfg.Report.Path, report.Run{
		ID:         uuid.NewString(),
		Operation:  operation,
		StartedAt:  started,
		FinishedAt: finished,
	}, results)

	if failed > 0 {
		return fmt.Errorf("%d of %d instances failed", failed, len(results))
	}
	return nil
}

func printResults(results map[string]*api.Instance) int {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	failed := 0
	for _, id := range ids {
		inst := results[id]
		if inst.Failed() {
			failed++
			fmt.Printf("%s\tFAILED\t%s\n", id, firstLine(inst.Error))
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", id, inst.Power, inst.Address)
	}
	return failed
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func journal(ctx context.Context, path string, run report.Run, results map[string]*api.Instance) {
	store, err := report.NewStore(path)
	if err != nil {
		log.Warn().Err(err).Msg("run journal unavailable")
		return
	}
	defer store.Close()
	if err := store.Record(ctx, run, results); err != nil {
		log.Warn().Err(err).Msg("failed to record run")
	}
}

// instanceFlags registers the flags shared by every batch command.
func instanceFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "VM name (template when --count > 1)")
	cmd.Flags().Int("count", 1, "number of VMs")
	cmd.Flags().String("file", "", "YAML file of instances, overrides --name/--count")
}

func flaggedInstances(cmd *cobra.Command, tmpl api.Instance) (map[string]*api.Instance, error) {
	file, _ := cmd.Flags().GetString("file")
	count, _ := cmd.Flags().GetInt("count")
	if tmpl.VMName == "" {
		tmpl.VMName, _ = cmd.Flags().GetString("name")
	}
	return resolveInstances(file, tmpl, count)
}

// Clone a herd of VMs from a base image
func newCloneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Clone VMs from a base image, place them by free space and bring them up",
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl := api.Instance{}
			tmpl.BaseVM, _ = cmd.Flags().GetString("base")
			tmpl.Cluster, _ = cmd.Flags().GetString("cluster")
			tmpl.DatastoreFilter, _ = cmd.Flags().GetString("datastore-filter")
			tmpl.Datastore, _ = cmd.Flags().GetString("datastore")
			tmpl.Placement, _ = cmd.Flags().GetString("placement")
			tmpl.ResourcePool, _ = cmd.Flags().GetString("pool")
			tmpl.Folder, _ = cmd.Flags().GetString("folder")
			tmpl.LinkedClone, _ = cmd.Flags().GetBool("linked")
			tmpl.GuestScript, _ = cmd.Flags().GetString("script")
			tmpl.Snapshot, _ = cmd.Flags().GetString("snapshot-name")
			tmpl.SkipSnapshot, _ = cmd.Flags().GetBool("skip-snapshot")
			memoryMB, _ := cmd.Flags().GetInt64("memory-mb")
			cpus, _ := cmd.Flags().GetInt32("cpus")
			if memoryMB > 0 || cpus > 0 {
				tmpl.Hardware = &api.Hardware{MemoryMB: memoryMB, CPUs: cpus}
			}
			nuke, _ := cmd.Flags().GetBool("nuke")

			instances, err := flaggedInstances(cmd, tmpl)
			if err != nil {
				return err
			}
			return runBatch(cmd, "clone", instances, func(o *vmops.Ops) vmops.Factory {
				return func(inst *api.Instance) vmops.Workflow {
					return o.CloneWorkflow(inst, nuke)
				}
			})
		},
	}
	instanceFlags(cmd)
	cmd.Flags().String("base", "", "base VM to clone from")
	cmd.Flags().String("cluster", "", "restrict placement to a cluster's datastores")
	cmd.Flags().String("datastore-filter", "", "substring filter on candidate datastore names")
	cmd.Flags().String("datastore", "", "explicit target datastore, skips placement")
	cmd.Flags().String("placement", "", "placement strategy: random or most-space")
	cmd.Flags().String("pool", "", "target resource pool")
	cmd.Flags().String("folder", "", "target VM folder")
	cmd.Flags().Bool("linked", false, "create linked clones")
	cmd.Flags().Int64("memory-mb", 0, "override memory size")
	cmd.Flags().Int32("cpus", 0, "override CPU count")
	cmd.Flags().String("script", "", "configuration script to run in each guest")
	cmd.Flags().String("snapshot-name", "", "name of the post-clone snapshot (default pristine)")
	cmd.Flags().Bool("skip-snapshot", false, "skip the post-clone snapshot")
	cmd.Flags().Bool("nuke", false, "delete an existing VM with the same name first")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

// Revert VMs to a snapshot
func newRevertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Revert VMs to a named snapshot, or to their current one",
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl := api.Instance{}
			tmpl.Snapshot, _ = cmd.Flags().GetString("snapshot")
			wait, _ := cmd.Flags().GetBool("await-address")

			instances, err := flaggedInstances(cmd, tmpl)
			if err != nil {
				return err
			}
			return runBatch(cmd, "revert", instances, func(o *vmops.Ops) vmops.Factory {
				return func(inst *api.Instance) vmops.Workflow {
					return o.RevertWorkflow(inst, wait)
				}
			})
		},
	}
	instanceFlags(cmd)
	cmd.Flags().String("snapshot", "", "snapshot name (default: current snapshot)")
	cmd.Flags().Bool("await-address", false, "wait for a guest address after reverting")
	return cmd
}

// Delete VMs
func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Power off and destroy VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := flaggedInstances(cmd, api.Instance{})
			if err != nil {
				return err
			}
			return runBatch(cmd, "delete", instances, func(o *vmops.Ops) vmops.Factory {
				return func(inst *api.Instance) vmops.Workflow {
					return o.DeleteWorkflow(inst)
				}
			})
		},
	}
	instanceFlags(cmd)
	return cmd
}

// Power VMs on or off
func newPowerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "power",
		Short: "Power VMs on or off",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")
			var desired vim.PowerState
			switch state {
			case "on":
				desired = vim.PoweredOn
			case "off":
				desired = vim.PoweredOff
			default:
				return fmt.Errorf("--state must be on or off, got %q", state)
			}
			instances, err := flaggedInstances(cmd, api.Instance{})
			if err != nil {
				return err
			}
			return runBatch(cmd, "power", instances, func(o *vmops.Ops) vmops.Factory {
				return func(inst *api.Instance) vmops.Workflow {
					return o.PowerWorkflow(inst, desired)
				}
			})
		},
	}
	instanceFlags(cmd)
	cmd.Flags().String("state", "", "desired power state: on or off")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

// Create or remove snapshots
func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create or remove a named snapshot on VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("snapshot")
			memory, _ := cmd.Flags().GetBool("memory")
			remove, _ := cmd.Flags().GetBool("remove")
			skip, _ := cmd.Flags().GetBool("skip")

			instances, err := flaggedInstances(cmd, api.Instance{})
			if err != nil {
				return err
			}
			operation := "snapshot"
			if remove {
				operation = "snapshot-remove"
			}
			return runBatch(cmd, operation, instances, func(o *vmops.Ops) vmops.Factory {
				return func(inst *api.Instance) vmops.Workflow {
					if remove {
						return o.SnapshotRemoveWorkflow(inst, name, skip)
					}
					return o.SnapshotCreateWorkflow(inst, name, memory, skip)
				}
			})
		},
	}
	instanceFlags(cmd)
	cmd.Flags().String("snapshot", "", "snapshot name (default pristine)")
	cmd.Flags().Bool("memory", true, "include memory in the snapshot")
	cmd.Flags().Bool("remove", false, "remove the snapshot instead of creating it")
	cmd.Flags().Bool("skip", false, "skip the operation entirely")
	return cmd
}

// Wait for and print guest addresses
func newListIPsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-ips",
		Short: "Wait for guest addresses and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			instances, err := flaggedInstances(cmd, api.Instance{})
			if err != nil {
				return err
			}
			return runBatch(cmd, "list-ips", instances, func(o *vmops.Ops) vmops.Factory {
				return func(inst *api.Instance) vmops.Workflow {
					return o.AwaitAddressWorkflow(inst, timeout)
				}
			})
		},
	}
	instanceFlags(cmd)
	cmd.Flags().Duration("timeout", 2*time.Minute, "how long to wait per VM for an address")
	return cmd
}

// Inspect the run journal
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			store, err := report.NewStore(cfg.Report.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID, _ := cmd.Flags().GetString("id"); runID != "" {
				results, err := store.Results(cmd.Context(), runID)
				if err != nil {
					return err
				}
				for _, r := range results {
					status := "ok"
					if r.Error != "" {
						status = "FAILED " + firstLine(r.Error)
					}
					fmt.Printf("%s\t%s\t%s\t%s\n", r.InstanceID, r.Power, r.Address, status)
				}
				return nil
			}

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s\t%s\t%s\t%d/%d failed\n",
					r.ID, r.Operation, r.StartedAt.Format(time.RFC3339), r.Failed, r.Total)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to list")
	cmd.Flags().String("id", "", "show the per-instance results of one run")
	return cmd
}
