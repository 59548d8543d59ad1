package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/foreman/api/v1alpha1"
)

// YAMLFormatter formats records as YAML.
type YAMLFormatter struct{}

// FormatVM formats a single VirtualMachine as YAML.
func (f *YAMLFormatter) FormatVM(vm *v1alpha1.VirtualMachine) (string, error) {
	v1alpha1.SetDefaultAPIVersion(vm)

	data, err := yaml.Marshal(vm)
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM to YAML: %w", err)
	}
	return string(data), nil
}

// FormatVMList formats a list of VirtualMachines as a YAML stream
// (documents separated by ---).
func (f *YAMLFormatter) FormatVMList(vms []*v1alpha1.VirtualMachine) (string, error) {
	var buf bytes.Buffer
	for i, vm := range vms {
		v1alpha1.SetDefaultAPIVersion(vm)

		data, err := yaml.Marshal(vm)
		if err != nil {
			return "", fmt.Errorf("failed to marshal VM %s to YAML: %w", vm.Name, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}

// FormatJob formats a work job as YAML.
func (f *YAMLFormatter) FormatJob(job *v1alpha1.WorkJob) (string, error) {
	data, err := yaml.Marshal(jobView(job))
	if err != nil {
		return "", fmt.Errorf("failed to marshal job to YAML: %w", err)
	}
	return string(data), nil
}
