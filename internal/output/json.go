package output

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/jbweber/foreman/api/v1alpha1"
)

// JSONFormatter formats records as JSON.
type JSONFormatter struct{}

// FormatVM formats a single VirtualMachine as JSON.
func (f *JSONFormatter) FormatVM(vm *v1alpha1.VirtualMachine) (string, error) {
	v1alpha1.SetDefaultAPIVersion(vm)

	data, err := json.MarshalIndent(vm, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatVMList formats a list of VirtualMachines as a JSON object with an
// items array, in the manner of Kubernetes list types:
//
//	{
//	  "apiVersion": "foreman.cofront.xyz/v1alpha1",
//	  "kind": "VirtualMachineList",
//	  "items": [...]
//	}
func (f *JSONFormatter) FormatVMList(vms []*v1alpha1.VirtualMachine) (string, error) {
	for _, vm := range vms {
		v1alpha1.SetDefaultAPIVersion(vm)
	}
	if vms == nil {
		vms = []*v1alpha1.VirtualMachine{}
	}

	wrapper := struct {
		APIVersion string                     `json:"apiVersion"`
		Kind       string                     `json:"kind"`
		Items      []*v1alpha1.VirtualMachine `json:"items"`
	}{
		APIVersion: v1alpha1.GroupName + "/" + v1alpha1.Version,
		Kind:       "VirtualMachineList",
		Items:      vms,
	}

	data, err := json.MarshalIndent(wrapper, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM list to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatJob formats a work job as JSON. The serialized descriptor and
// result are embedded as raw JSON.
func (f *JSONFormatter) FormatJob(job *v1alpha1.WorkJob) (string, error) {
	data, err := json.MarshalIndent(jobView(job), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal job to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// jobDoc is a WorkJob with its payloads decoded for display.
type jobDoc struct {
	ID        string        `json:"id" yaml:"id"`
	VMID      string        `json:"vmID" yaml:"vmID"`
	Cmd       string        `json:"cmd" yaml:"cmd"`
	Status    string        `json:"status" yaml:"status"`
	Node      string        `json:"node,omitempty" yaml:"node,omitempty"`
	Caller    string        `json:"caller,omitempty" yaml:"caller,omitempty"`
	Work      interface{}   `json:"work,omitempty" yaml:"work,omitempty"`
	Result    interface{}   `json:"result,omitempty" yaml:"result,omitempty"`
	CreatedAt v1alpha1.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt v1alpha1.Time `json:"updatedAt" yaml:"updatedAt"`
}

func jobView(job *v1alpha1.WorkJob) jobDoc {
	return jobDoc{
		ID:        job.ID,
		VMID:      job.VMID,
		Cmd:       string(job.Cmd),
		Status:    string(job.Status),
		Node:      job.Node,
		Caller:    job.Caller,
		Work:      decodeRaw(job.CmdInfo),
		Result:    decodeRaw(job.Result),
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}

// decodeRaw decodes a stored JSON payload; undecodable bytes are shown as a
// string.
func decodeRaw(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	return v
}
