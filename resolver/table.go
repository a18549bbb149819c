package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Table is the serializable form of a mapping.
type Table struct {
	Strategy Strategy       `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Services []ServiceTable `json:"services" yaml:"services"`
}

type ServiceTable struct {
	Name    string        `json:"name" yaml:"name"`
	ID      string        `json:"id" yaml:"id"`
	Methods []MethodTable `json:"methods" yaml:"methods"`
}

type MethodTable struct {
	Name      string `json:"name" yaml:"name"`
	ID        string `json:"id" yaml:"id"`
	Streaming bool   `json:"streaming,omitempty" yaml:"streaming,omitempty"`
}

// Export returns the mapping in registration order.
func (r *Resolver) Export() Table {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := Table{Strategy: r.opts.Strategy, Services: make([]ServiceTable, 0, len(r.order))}
	for _, svcName := range r.order {
		entry := r.services[svcName]
		st := ServiceTable{Name: svcName, ID: entry.id, Methods: make([]MethodTable, 0, len(entry.order))}
		for _, mName := range entry.order {
			m := entry.methods[mName]
			st.Methods = append(st.Methods, MethodTable{Name: mName, ID: m.id, Streaming: m.streaming})
		}
		t.Services = append(t.Services, st)
	}
	return t
}

// Import replaces the mapping with t. Invalid tables are rejected and leave
// the current mapping untouched.
func (r *Resolver) Import(t Table) error {
	if err := check(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.reset()
	for _, st := range t.Services {
		entry := &serviceEntry{id: st.ID, methods: make(map[string]methodEntry, len(st.Methods))}
		r.services[st.Name] = entry
		r.order = append(r.order, st.Name)
		r.serviceIDs[st.ID] = st.Name
		for _, mt := range st.Methods {
			entry.methods[mt.Name] = methodEntry{id: mt.ID, streaming: mt.Streaming}
			entry.order = append(entry.order, mt.Name)
			r.methodIDs[mt.ID] = struct{}{}
			r.wire[WireID{Service: st.ID, Method: mt.ID}] = name{service: st.Name, method: mt.Name}
		}
	}
	r.opts.Logger.Info("mapping imported", zap.Int("services", len(t.Services)), zap.Int("methods", len(r.wire)))
	return nil
}

// Validate reports whether t is a usable mapping: every name and id is set, no
// two distinct methods share a wire identifier pair, and no service id or
// service name appears twice.
func Validate(t Table) bool {
	return check(t) == nil
}

func check(t Table) error {
	serviceIDs := make(map[string]string)
	serviceNames := make(map[string]struct{})
	wire := make(map[WireID]name)

	for _, st := range t.Services {
		if st.Name == "" || st.ID == "" {
			return fmt.Errorf("resolver: service entry with empty name or id")
		}
		if _, dup := serviceNames[st.Name]; dup {
			return fmt.Errorf("resolver: service %s listed twice", st.Name)
		}
		serviceNames[st.Name] = struct{}{}
		if other, dup := serviceIDs[st.ID]; dup {
			return fmt.Errorf("resolver: service id %q maps to both %s and %s", st.ID, other, st.Name)
		}
		serviceIDs[st.ID] = st.Name

		methodNames := make(map[string]struct{}, len(st.Methods))
		for _, mt := range st.Methods {
			if mt.Name == "" || mt.ID == "" {
				return fmt.Errorf("resolver: method entry of %s with empty name or id", st.Name)
			}
			if _, dup := methodNames[mt.Name]; dup {
				return fmt.Errorf("resolver: method %s.%s listed twice", st.Name, mt.Name)
			}
			methodNames[mt.Name] = struct{}{}

			key := WireID{Service: st.ID, Method: mt.ID}
			if other, dup := wire[key]; dup {
				return fmt.Errorf("resolver: %s.%s and %s.%s share wire id %s/%s",
					other.service, other.method, st.Name, mt.Name, st.ID, mt.ID)
			}
			wire[key] = name{service: st.Name, method: mt.Name}
		}
	}
	return nil
}

// LoadTable reads a table from a .yaml, .yml or .json file.
func LoadTable(path string) (Table, error) {
	var t Table
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("resolver: read mapping: %w", err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &t)
	} else {
		err = sonic.ConfigStd.Unmarshal(data, &t)
	}
	if err != nil {
		return t, fmt.Errorf("resolver: parse mapping %s: %w", path, err)
	}
	return t, nil
}

// SaveTable writes t to path, as YAML or JSON by extension.
func SaveTable(path string, t Table) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(t)
	} else {
		data, err = sonic.ConfigStd.MarshalIndent(t, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("resolver: encode mapping: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
