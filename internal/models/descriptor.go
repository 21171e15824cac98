package models

// MachineDescriptor is a snapshot of the servers a machine reports while it
// is running. Servers maps a server key (port/protocol pair or a name such
// as "ws") to its externally reachable address.
//
// A descriptor is replaced wholesale on every fetch and is never mutated
// after it has been handed out.
type MachineDescriptor struct {
	WorkspaceID string
	MachineID   string
	Servers     map[string]string
}
