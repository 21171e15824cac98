// Package macro holds command macros and the registry used to expand them
// inside command templates.
//
// A macro is referenced from a template as ${name}. Its value is captured
// when the macro is built; expansion never calls back into the component
// that produced it.
package macro

// Macro is one named template variable. Instances are immutable.
type Macro struct {
	name        string
	description string
	value       string
}

// New builds a macro whose value is fixed to value.
func New(name, description, value string) *Macro {
	return &Macro{name: name, description: description, value: value}
}

func (m *Macro) Name() string        { return m.name }
func (m *Macro) Description() string { return m.description }

// Value returns the value captured at construction.
func (m *Macro) Value() string { return m.value }

// Key returns the template form of a macro name, e.g. "${server.port.8080}".
func Key(name string) string {
	return "${" + name + "}"
}
