package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/foreman/api/v1alpha1"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatVM formats a single VirtualMachine as a table row.
func (f *TableFormatter) FormatVM(vm *v1alpha1.VirtualMachine) (string, error) {
	return f.FormatVMList([]*v1alpha1.VirtualMachine{vm})
}

// FormatVMList formats a list of VirtualMachines as a table.
func (f *TableFormatter) FormatVMList(vms []*v1alpha1.VirtualMachine) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tSTATE\tPOWER\tHOST\tLAST HOST\tVCPUs\tMEMORY\tAGE")
	}

	for _, vm := range vms {
		power := string(vm.Status.PowerState)
		if power == "" {
			power = string(v1alpha1.PowerUnknown)
		}
		memory := fmt.Sprintf("%d MiB", vm.Spec.MemoryMiB)
		if vm.Spec.MemoryMiB >= 1024 && vm.Spec.MemoryMiB%1024 == 0 {
			memory = fmt.Sprintf("%d GiB", vm.Spec.MemoryMiB/1024)
		}

		age := "-"
		if !vm.CreationTimestamp.IsZero() {
			age = formatAge(time.Since(vm.CreationTimestamp.Time))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			vm.Name, orDash(string(vm.Status.State)), power, orDash(vm.Status.HostID),
			orDash(vm.Status.LastHostID), vm.Spec.VCPUs, memory, age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatJob formats a work job as a table row.
func (f *TableFormatter) FormatJob(job *v1alpha1.WorkJob) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tVM\tCMD\tSTATUS\tNODE\tAGE")
	}
	age := "-"
	if !job.CreatedAt.IsZero() {
		age = formatAge(time.Since(job.CreatedAt.Time))
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		job.ID, job.VMID, job.Cmd, job.Status, orDash(job.Node), age)

	_ = w.Flush()
	return buf.String(), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	// Clock skew can put the timestamp in the future.
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())

	// Less than 1 minute
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	// Less than 1 hour
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	// Less than 1 day
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	// Less than 1 week
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	// Less than ~2 months (8 weeks)
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	// More than 2 months, show in approximate years/days
	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}
