package models

import (
	"strings"
	"time"
)

// Machine status values. The simulator FSM moves pending -> running and
// toggles between running and stopped afterwards.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusTerminated = "terminated"
)

// Machine is the core domain object representing a compute instance or node.
// Shared between the server and storage layers.
type Machine struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name"`
	Region      string            `json:"region"`
	Status      string            `json:"status"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Servers     map[string]Server `json:"servers,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Server is one network endpoint exposed by a machine. The map key in
// Machine.Servers is the server key, e.g. "8080/tcp".
type Server struct {
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
	URL      string `json:"url,omitempty"`
}

// Descriptor projects the machine into the snapshot consumed by macro
// resolution. The returned descriptor shares no state with m.
func (m *Machine) Descriptor() *MachineDescriptor {
	d := &MachineDescriptor{
		WorkspaceID: m.WorkspaceID,
		MachineID:   m.ID,
		Servers:     make(map[string]string, len(m.Servers)),
	}
	for key, srv := range m.Servers {
		d.Servers[key] = srv.Address
	}
	return d
}

// ProtocolOf returns the transport suffix of a server key ("8080/udp" -> "udp").
// Keys without a suffix are tcp.
func ProtocolOf(serverKey string) string {
	if i := strings.LastIndexByte(serverKey, '/'); i >= 0 && i < len(serverKey)-1 {
		return serverKey[i+1:]
	}
	return "tcp"
}
