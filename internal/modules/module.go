package modules

import "sort"

// Module is a built native module. Exports are ordered by name.
type Module struct {
	name   string
	names  []string
	values map[string]any
}

func newModule(name string, exports map[string]any) *Module {
	names := make([]string, 0, len(exports))
	values := make(map[string]any, len(exports))
	for k, v := range exports {
		names = append(names, k)
		values[k] = v
	}
	sort.Strings(names)
	return &Module{name: name, names: names, values: values}
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) Names() []string {
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names
}

func (m *Module) Get(name string) (any, bool) {
	v, ok := m.values[name]
	return v, ok
}
