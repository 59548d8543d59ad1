package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/foreman/internal/state"
)

var (
	statesGraph bool
	hostsPing   bool
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect lifecycle jobs",
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job and its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter()
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			job, err := a.store.Jobs().Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get job %s: %w", args[0], err)
			}
			result, err := f.FormatJob(job)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(result)
			return nil
		})
	},
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List hosts and the capacity reserved on them",
	Long: `List the configured hypervisor hosts with the vCPUs and memory reserved
by VMs placed on them. With --ping each host's libvirt daemon is contacted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			header := "ID\tZONE\tCLUSTER\tVCPUs\tMEMORY MiB"
			if hostsPing {
				header += "\tAGENT"
			}
			fmt.Fprintln(w, header)
			for _, h := range a.planner.Hosts() {
				cpu, mem := a.planner.Usage(h.ID)
				line := fmt.Sprintf("%s\t%s\t%s\t%d/%d\t%d/%d", h.ID, h.ZoneID, orDash(h.ClusterID),
					cpu, h.VCPUs, mem, h.MemoryMiB)
				if hostsPing {
					status := "ok"
					if err := a.transport.Ping(ctx, h.ID); err != nil {
						status = err.Error()
					}
					line += "\t" + status
				}
				fmt.Fprintln(w, line)
			}
			return w.Flush()
		})
	},
}

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "Print the VM state machine",
	Long: `Print every transition of the VM lifecycle state machine.

With --graph the machine is printed in Graphviz dot format:
  foreman states --graph | dot -Tsvg > states.svg`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statesGraph {
			fmt.Print(state.Graphviz())
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "FROM\tEVENT\tTO")
		for _, r := range state.Table() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.From, r.Event, r.To)
		}
		return w.Flush()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Check the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s is valid (%d hosts, %d pools, %d networks)\n",
			configPath, len(cfg.Hosts), len(cfg.Pools), len(cfg.Networks))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with defaults applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.DSN != "" {
			cfg.Store.DSN = redact(cfg.Store.DSN)
		}
		if cfg.Redis.Password != "" {
			cfg.Redis.Password = "****"
		}
		if cfg.Alerts.SentryDSN != "" {
			cfg.Alerts.SentryDSN = redact(cfg.Alerts.SentryDSN)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal configuration: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobGetCmd)
	addOutputFlags(jobGetCmd)

	hostsCmd.Flags().BoolVar(&hostsPing, "ping", false, "contact each host's libvirt daemon")
	statesCmd.Flags().BoolVar(&statesGraph, "graph", false, "print Graphviz dot")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}

// redact hides the password of a URL-style DSN.
func redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "****"
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":****@" + host
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
