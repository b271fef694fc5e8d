package types

import (
	"fmt"
	"strings"
)

// Hook is the discriminant carried by every generic record. Zero is never
// valid on a published record.
type Hook uint32

// Hook ids. Must stay in sync with the probe object.
const (
	HookConnect Hook = 1 // Network connect
	HookOpenat  Hook = 2 // File open
	HookSQLExec Hook = 3 // Client library SQL execute
)

// Hooks lists every known hook in discriminant order.
var Hooks = []Hook{HookConnect, HookOpenat, HookSQLExec}

func (h Hook) String() string {
	switch h {
	case HookConnect:
		return "connect"
	case HookOpenat:
		return "openat"
	case HookSQLExec:
		return "sql_exec"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(h))
	}
}

// Valid reports whether h is one of the known hooks.
func (h Hook) Valid() bool {
	return h >= HookConnect && h <= HookSQLExec
}

// ParseHook maps a configuration name to a hook.
func ParseHook(name string) (Hook, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "connect":
		return HookConnect, nil
	case "openat", "open":
		return HookOpenat, nil
	case "sql_exec", "sqlexec", "pqexec":
		return HookSQLExec, nil
	}
	return 0, fmt.Errorf("unknown hook %q", name)
}

// Schema selects which record layout a deployment produces. A deployment
// uses one schema for every record.
type Schema int

const (
	SchemaGeneric Schema = iota
	SchemaNarrow
)

func (s Schema) String() string {
	switch s {
	case SchemaGeneric:
		return "generic"
	case SchemaNarrow:
		return "narrow"
	default:
		return fmt.Sprintf("schema(%d)", int(s))
	}
}

// ParseSchema maps a configuration name to a schema.
func ParseSchema(name string) (Schema, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "generic":
		return SchemaGeneric, nil
	case "narrow":
		return SchemaNarrow, nil
	}
	return 0, fmt.Errorf("unknown schema %q", name)
}
