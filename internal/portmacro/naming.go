package portmacro

import (
	"sort"
	"strings"

	"github.com/devghori1264/aerophoenix/portmacros/internal/macro"
	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
)

const (
	namePrefix = "server.port."
	tcpSuffix  = "/tcp"
)

// VariableNames returns the macro names derived from one server key. A key
// with a "/tcp" suffix also gets an alias with the suffix stripped.
func VariableNames(serverKey string) []string {
	names := []string{namePrefix + serverKey}
	if strings.HasSuffix(serverKey, tcpSuffix) {
		names = append(names, namePrefix+strings.TrimSuffix(serverKey, tcpSuffix))
	}
	return names
}

// DeriveMacros builds the macro set for a descriptor, sorted by name. Every
// macro captures its address by value and is described by its original
// server key. If two keys derive the same name, the key sorting last wins.
func DeriveMacros(d *models.MachineDescriptor) []*macro.Macro {
	if d == nil || len(d.Servers) == 0 {
		return nil
	}

	keys := make([]string, 0, len(d.Servers))
	for k := range d.Servers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byName := make(map[string]*macro.Macro, len(keys)*2)
	for _, key := range keys {
		address := d.Servers[key]
		for _, name := range VariableNames(key) {
			byName[name] = macro.New(name, key, address)
		}
	}

	out := make([]*macro.Macro, 0, len(byName))
	for _, m := range byName {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
