package manifest

import (
	"fmt"
	"sort"
	"time"

	"github.com/chazu/kestrel/vm"
)

// VMConfig converts the [vm], [flags] and [spawn] tables into a vm.Config.
// Unset fields keep the values of vm.DefaultConfig. Ports are left nil for
// the caller to fill in.
func (m *Manifest) VMConfig() (vm.Config, error) {
	cfg := vm.DefaultConfig()
	if m.VM.StackSize > 0 {
		cfg.StackSize = m.VM.StackSize
	}
	if m.VM.MaxStackSize > 0 {
		cfg.MaxStackSize = m.VM.MaxStackSize
	}
	if cfg.MaxStackSize < cfg.StackSize {
		return cfg, fmt.Errorf("vm: max-stack-size %d is below stack-size %d", cfg.MaxStackSize, cfg.StackSize)
	}
	if m.VM.MaxRecursion > 0 {
		cfg.MaxRecursion = m.VM.MaxRecursion
	}
	cfg.ProfileOpcodes = m.VM.ProfileOpcodes

	names := make([]string, 0, len(m.Flags))
	for name := range m.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := flagValue(m.Flags[name])
		if err != nil {
			return cfg, fmt.Errorf("flags: %s: %w", name, err)
		}
		if err := cfg.Flags.Set(name, v); err != nil {
			return cfg, fmt.Errorf("flags: %w", err)
		}
	}

	if m.Spawn.Timeout != "" {
		d, err := time.ParseDuration(m.Spawn.Timeout)
		if err != nil {
			return cfg, fmt.Errorf("spawn: timeout: %w", err)
		}
		cfg.SpawnTimeout = d
	}
	cfg.SpawnHeapLimit = m.Spawn.HeapLimit
	return cfg, nil
}

// flagValue maps a decoded TOML or YAML scalar onto an immediate.
func flagValue(x any) (vm.Value, error) {
	switch x := x.(type) {
	case bool:
		if x {
			return vm.True, nil
		}
		return vm.False, nil
	case int:
		return vm.Fixnum(int64(x)), nil
	case int64:
		return vm.Fixnum(x), nil
	case uint64:
		return vm.Fixnum(int64(x)), nil
	}
	return vm.False, fmt.Errorf("unsupported value %v (%T)", x, x)
}
