// Package platform is the attachment boundary: it loads the compiled probe
// object, attaches each program to its traced function and exposes the
// kernel ring buffer as a record source.
package platform

import (
	"errors"
	"fmt"
	"time"

	"github.com/jnesss/hook-recorder/probe"
	"github.com/jnesss/hook-recorder/transport"
	"github.com/jnesss/hook-recorder/types"
)

// ErrUnsupported is returned by Attach on platforms without eBPF.
var ErrUnsupported = errors.New("eBPF attachment is only supported on linux")

// Kernel functions the kprobes attach to. Both take the user-space
// arguments of the syscall in calling-convention order.
const (
	ConnectSymbol = "__sys_connect"
	OpenatSymbol  = "do_sys_open"
	SQLExecSymbol = "PQexec"

	// EventsMap is the ring buffer map every probe object publishes to.
	EventsMap = "events"
)

// Kind is how a program is attached.
type Kind int

const (
	KindKprobe Kind = iota
	KindUprobe
)

func (k Kind) String() string {
	if k == KindUprobe {
		return "uprobe"
	}
	return "kprobe"
}

// Attachment names one program and where it goes.
type Attachment struct {
	Hook    types.Hook
	Program string
	Symbol  string
	Kind    Kind
}

// Config selects the object, schema and target of an attachment.
type Config struct {
	Object    string
	Schema    types.Schema
	Hooks     []types.Hook
	LibpqPath string
	TargetPID int
}

// Attachments returns what Attach will try to attach for cfg, in order.
func Attachments(cfg Config) ([]Attachment, error) {
	if cfg.Schema == types.SchemaNarrow {
		return []Attachment{{
			Hook:    types.HookSQLExec,
			Program: probe.ProgNarrowSQL,
			Symbol:  SQLExecSymbol,
			Kind:    KindUprobe,
		}}, nil
	}

	hooks := cfg.Hooks
	if len(hooks) == 0 {
		hooks = types.Hooks
	}
	var out []Attachment
	for _, h := range hooks {
		switch h {
		case types.HookConnect:
			out = append(out, Attachment{Hook: h, Program: probe.ProgConnect, Symbol: ConnectSymbol, Kind: KindKprobe})
		case types.HookOpenat:
			out = append(out, Attachment{Hook: h, Program: probe.ProgOpenat, Symbol: OpenatSymbol, Kind: KindKprobe})
		case types.HookSQLExec:
			out = append(out, Attachment{Hook: h, Program: probe.ProgSQLExec, Symbol: SQLExecSymbol, Kind: KindUprobe})
		default:
			return nil, fmt.Errorf("no attachment for hook %s", h)
		}
	}
	return out, nil
}

// Source is a stream of raw records.
type Source interface {
	Read() (transport.Record, error)
	Close() error
}

// Deadliner is implemented by sources whose reads can be bounded.
type Deadliner interface {
	SetDeadline(t time.Time)
}
