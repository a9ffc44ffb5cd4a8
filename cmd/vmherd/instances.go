package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mkosonen/vmherd/pkg/api"
)

// loadInstances reads a YAML list of instances and keys them by VM name.
func loadInstances(path string) (map[string]*api.Instance, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instances: %w", err)
	}
	var list []*api.Instance
	if err := yaml.Unmarshal(content, &list); err != nil {
		return nil, fmt.Errorf("parse instances: %w", err)
	}
	out := make(map[string]*api.Instance, len(list))
	for i, inst := range list {
		if inst.VMName == "" {
			return nil, fmt.Errorf("instance %d has no vm_name", i)
		}
		if _, dup := out[inst.VMName]; dup {
			return nil, fmt.Errorf("duplicate vm_name %q", inst.VMName)
		}
		out[inst.VMName] = inst
	}
	return out, nil
}

// expandInstances turns one template instance into count numbered copies.
// A count of one keeps the name as given; higher counts append -01, -02
// and so on.
func expandInstances(tmpl api.Instance, count int) (map[string]*api.Instance, error) {
	if tmpl.VMName == "" {
		return nil, fmt.Errorf("vm name required")
	}
	if count < 1 {
		return nil, fmt.Errorf("count must be at least 1")
	}
	out := make(map[string]*api.Instance, count)
	if count == 1 {
		cp := tmpl.Clone()
		out[cp.VMName] = cp
		return out, nil
	}
	for i := 1; i <= count; i++ {
		cp := tmpl.Clone()
		cp.VMName = fmt.Sprintf("%s-%02d", tmpl.VMName, i)
		out[cp.VMName] = cp
	}
	return out, nil
}

// resolveInstances picks the instance set for a command: an explicit
// instances file wins over the --name/--count pair.
func resolveInstances(file string, tmpl api.Instance, count int) (map[string]*api.Instance, error) {
	if file != "" {
		return loadInstances(file)
	}
	return expandInstances(tmpl, count)
}
