package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/jobqueue"
	"github.com/jbweber/foreman/internal/store"
)

var (
	asyncJobs bool

	createOffering string
	createTemplate string
	createZone     string
	createType     string
	createNetworks []string
	createRootGB   int
	createDataGB   []int
	createVCPUs    int
	createMemory   int
	createHA       bool

	startHost    string
	stopForce    bool
	migrateCold  bool
	scaleVCPUs   int
	scaleMemory  int
	destroyPurge bool
	listHost     string
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage virtual machines",
	Long: `Create, inspect and drive virtual machines.

Lifecycle commands submit a job and wait for it to finish. A submitted job
is run by a "foreman serve" node sharing the same store, so these commands
need the postgres store driver. With --async the job id is printed and the
command returns at once; use "foreman job get" to follow it.`,
}

func init() {
	vmCmd.PersistentFlags().BoolVar(&asyncJobs, "async", false, "print the job id instead of waiting")

	addOutputFlags(vmListCmd)
	vmListCmd.Flags().StringVar(&listHost, "host", "", "only VMs placed on this host")
	addOutputFlags(vmGetCmd)

	vmCreateCmd.Flags().StringVar(&createOffering, "offering", "", "compute offering id (required)")
	vmCreateCmd.Flags().StringVar(&createTemplate, "template", "", "template id (required)")
	vmCreateCmd.Flags().StringVar(&createZone, "zone", "", "zone to place the VM in")
	vmCreateCmd.Flags().StringVar(&createType, "type", string(v1alpha1.VMTypeUser), "VM type")
	vmCreateCmd.Flags().StringSliceVar(&createNetworks, "network", nil, "network id, repeatable; the first carries the default route")
	vmCreateCmd.Flags().IntVar(&createRootGB, "root-gb", 20, "root volume size in GB")
	vmCreateCmd.Flags().IntSliceVar(&createDataGB, "data-gb", nil, "data volume size in GB, repeatable")
	vmCreateCmd.Flags().IntVar(&createVCPUs, "vcpus", 0, "override the offering's vCPUs")
	vmCreateCmd.Flags().IntVar(&createMemory, "memory-mib", 0, "override the offering's memory")
	vmCreateCmd.Flags().BoolVar(&createHA, "ha", false, "restart the VM when it stops unexpectedly")
	_ = vmCreateCmd.MarkFlagRequired("offering")
	_ = vmCreateCmd.MarkFlagRequired("template")
	addOutputFlags(vmCreateCmd)

	vmStartCmd.Flags().StringVar(&startHost, "host", "", "start on this host")
	vmStopCmd.Flags().BoolVar(&stopForce, "force", false, "destroy the domain without a guest shutdown")
	vmMigrateCmd.Flags().BoolVar(&migrateCold, "offline", false, "pause the guest for the copy instead of migrating live")
	vmScaleCmd.Flags().IntVar(&scaleVCPUs, "vcpus", 0, "new vCPU count")
	vmScaleCmd.Flags().IntVar(&scaleMemory, "memory-mib", 0, "new memory size")
	vmDestroyCmd.Flags().BoolVar(&destroyPurge, "expunge", false, "expunge right away")

	vmCmd.AddCommand(vmListCmd, vmGetCmd, vmCreateCmd, vmStartCmd, vmStopCmd, vmRebootCmd,
		vmMigrateCmd, vmMigrateAwayCmd, vmMigrateStorageCmd, vmScaleCmd, vmAddNicCmd,
		vmRemoveNicCmd, vmDestroyCmd, vmExpungeCmd, vmRecoverCmd)
}

// withApp loads the configuration, wires the node and runs fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// resolveVM finds a VM by id, then by name.
func resolveVM(ctx context.Context, a *app, ref string) (*v1alpha1.VirtualMachine, error) {
	vms := a.store.VMs()
	vm, err := vms.Get(ctx, ref)
	if err == nil {
		return vm, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	vm, err = vms.GetByName(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("VM %s not found", ref)
	}
	return vm, err
}

// requireSharedStore rejects the memory store, whose records die with the
// CLI process.
func requireSharedStore(a *app) error {
	if a.cfg.Store.Driver != "postgres" {
		return fmt.Errorf("this command needs a shared store (store.driver: postgres)")
	}
	return nil
}

// runJob submits the work built for the referenced VM and waits for its
// result unless --async is set.
func runJob(ref string, build func(vmID string) jobqueue.Work, report func(r jobqueue.Result) error) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := requireSharedStore(a); err != nil {
			return err
		}
		vm, err := resolveVM(ctx, a, ref)
		if err != nil {
			return err
		}
		w := build(vm.UID)
		out, err := a.dispatcher.Submit(ctx, w, "cli")
		if err != nil {
			return err
		}
		if asyncJobs {
			fmt.Println(out.JobID)
			return nil
		}

		fmt.Printf("Waiting for %s job %s on %s...\n", w.Kind(), out.JobID, vm.Name)
		r, err := out.Wait(ctx)
		if err != nil {
			return err
		}
		if err := r.Err(); err != nil {
			return fmt.Errorf("%s failed: %w", w.Kind(), err)
		}
		if report != nil {
			return report(r)
		}
		fmt.Printf("✓ %s %s succeeded\n", w.Kind(), vm.Name)
		return nil
	})
}

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter()
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			var list []*v1alpha1.VirtualMachine
			if listHost != "" {
				list, err = a.store.VMs().ListByHost(ctx, listHost)
			} else {
				list, err = a.store.VMs().List(ctx)
			}
			if err != nil {
				return fmt.Errorf("failed to list VMs: %w", err)
			}
			result, err := f.FormatVMList(list)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(result)
			return nil
		})
	},
}

var vmGetCmd = &cobra.Command{
	Use:   "get <vm>",
	Short: "Show a VM by id or name",
	Long: `Show a virtual machine by id or name.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   Full YAML resource definition
  -o json   Full JSON resource definition`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter()
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			vm, err := resolveVM(ctx, a, args[0])
			if err != nil {
				return err
			}
			result, err := f.FormatVM(vm)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(result)
			return nil
		})
	},
}

var vmCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Allocate a VM",
	Long: `Allocate a virtual machine record in the Created state.

Volumes and addresses are reserved; nothing runs until "foreman vm start".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter()
		if err != nil {
			return err
		}
		vm := newVMFromFlags(args[0])
		return withApp(func(ctx context.Context, a *app) error {
			if err := requireSharedStore(a); err != nil {
				return err
			}
			if err := a.orchestrator.Allocate(ctx, vm); err != nil {
				return fmt.Errorf("failed to create VM: %w", err)
			}
			result, err := f.FormatVM(vm)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(result)
			return nil
		})
	},
}

func newVMFromFlags(name string) *v1alpha1.VirtualMachine {
	vm := v1alpha1.NewVirtualMachine(name, v1alpha1.VMType(createType))
	vm.Spec.ZoneID = createZone
	vm.Spec.OfferingID = createOffering
	vm.Spec.TemplateID = createTemplate
	vm.Spec.VCPUs = createVCPUs
	vm.Spec.MemoryMiB = createMemory
	vm.Spec.HAEnabled = createHA

	vm.Spec.Volumes = append(vm.Spec.Volumes, v1alpha1.Volume{Name: "root", Type: v1alpha1.VolumeTypeRoot, SizeGB: createRootGB})
	for i, gb := range createDataGB {
		vm.Spec.Volumes = append(vm.Spec.Volumes, v1alpha1.Volume{
			Name:     fmt.Sprintf("data%d", i+1),
			Type:     v1alpha1.VolumeTypeData,
			SizeGB:   gb,
			DeviceID: i + 1,
		})
	}
	for i, netID := range createNetworks {
		vm.Spec.Nics = append(vm.Spec.Nics, v1alpha1.Nic{NetworkID: netID, DeviceID: i, Default: i == 0})
	}
	return vm
}

var vmStartCmd = &cobra.Command{
	Use:   "start <vm>",
	Short: "Start a Created or Stopped VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.StartWork{VMID: id, HostID: startHost}
		}, nil)
	},
}

var vmStopCmd = &cobra.Command{
	Use:   "stop <vm>",
	Short: "Stop a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.StopWork{VMID: id, Force: stopForce}
		}, nil)
	},
}

var vmRebootCmd = &cobra.Command{
	Use:   "reboot <vm>",
	Short: "Reboot a Running VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.RebootWork{VMID: id}
		}, nil)
	},
}

var vmMigrateCmd = &cobra.Command{
	Use:   "migrate <vm> <host> [<volume-id>=<pool-id>...]",
	Short: "Migrate a Running VM to another host",
	Long: `Migrate a Running VM to another host.

Volumes may be pinned to pools on the destination with volume=pool pairs;
each pool must be reachable from the destination host. Volumes not named
are placed by the planner.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pools map[string]string
		if len(args) > 2 {
			var err error
			if pools, err = parseMoves(args[2:]); err != nil {
				return err
			}
		}
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.MigrateWork{VMID: id, DestHostID: args[1], Live: !migrateCold, Pools: pools}
		}, nil)
	},
}

var vmMigrateAwayCmd = &cobra.Command{
	Use:   "migrate-away <vm> <source-host>",
	Short: "Move a VM off a host, letting the planner choose the destination",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.MigrateAwayWork{VMID: id, SrcHostID: args[1]}
		}, nil)
	},
}

var vmMigrateStorageCmd = &cobra.Command{
	Use:   "migrate-storage <vm> <volume-id>=<pool-id>...",
	Short: "Move volumes of a Stopped VM to other pools",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pools, err := parseMoves(args[1:])
		if err != nil {
			return err
		}
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.MigrateStorageWork{VMID: id, Pools: pools}
		}, nil)
	},
}

// parseMoves reads volume=pool pairs.
func parseMoves(args []string) (map[string]string, error) {
	moves := make(map[string]string, len(args))
	for _, arg := range args {
		vol, pool, ok := strings.Cut(arg, "=")
		if !ok || vol == "" || pool == "" {
			return nil, fmt.Errorf("invalid move %q: expected <volume-id>=<pool-id>", arg)
		}
		if _, dup := moves[vol]; dup {
			return nil, fmt.Errorf("volume %s given twice", vol)
		}
		moves[vol] = pool
	}
	return moves, nil
}

var vmScaleCmd = &cobra.Command{
	Use:   "scale <vm>",
	Short: "Change vCPUs and memory of a Stopped VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if scaleVCPUs <= 0 || scaleMemory <= 0 {
			return fmt.Errorf("--vcpus and --memory-mib must both be > 0")
		}
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.ScaleWork{VMID: id, VCPUs: scaleVCPUs, MemoryMiB: scaleMemory}
		}, nil)
	},
}

var vmAddNicCmd = &cobra.Command{
	Use:   "add-nic <vm> <network>",
	Short: "Attach a NIC on a network",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.AddNicWork{VMID: id, NetworkID: args[1]}
		}, func(r jobqueue.Result) error {
			var nic v1alpha1.Nic
			if err := r.Into(&nic); err != nil {
				return err
			}
			fmt.Printf("✓ NIC %s attached (device %d, ip %s, mac %s)\n", nic.ID, nic.DeviceID, nic.IP, nic.MAC)
			return nil
		})
	},
}

var vmRemoveNicCmd = &cobra.Command{
	Use:   "remove-nic <vm> <nic-id>",
	Short: "Detach a NIC",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.RemoveNicWork{VMID: id, NicID: args[1]}
		}, func(r jobqueue.Result) error {
			fmt.Printf("✓ NIC %s removed: %s\n", args[1], strconv.FormatBool(r.Bool))
			return nil
		})
	},
}

var vmDestroyCmd = &cobra.Command{
	Use:   "destroy <vm>",
	Short: "Destroy a Stopped VM",
	Long: `Destroy a virtual machine. The VM moves to Destroyed and can be
recovered until it is expunged; --expunge removes it for good right away.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.DestroyWork{VMID: id, Expunge: destroyPurge}
		}, nil)
	},
}

var vmExpungeCmd = &cobra.Command{
	Use:   "expunge <vm>",
	Short: "Remove a Destroyed VM and its volumes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.ExpungeWork{VMID: id}
		}, nil)
	},
}

var vmRecoverCmd = &cobra.Command{
	Use:   "recover <vm>",
	Short: "Bring a Destroyed VM back to Stopped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0], func(id string) jobqueue.Work {
			return jobqueue.RecoverWork{VMID: id}
		}, nil)
	},
}
