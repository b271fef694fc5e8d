package event

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/jnesss/hook-recorder/types"
)

var (
	// ErrRecordSize is returned for samples that do not match the deployed
	// schema's record size.
	ErrRecordSize = errors.New("record size mismatch")
	// ErrZeroHook is returned for generic records without a discriminant.
	ErrZeroHook = errors.New("record has zero hook id")
	// ErrUnknownHook is returned for generic records with an unknown discriminant.
	ErrUnknownHook = errors.New("record has unknown hook id")
)

// Address family tags written by the connect probe into Str2.
const (
	FamilyTagInet  = "inet"
	FamilyTagInet6 = "inet6"
)

// Family is the socket address family of a connect record.
type Family uint16

const (
	FamilyUnknown Family = 0
	FamilyInet    Family = 2
	FamilyInet6   Family = 10
)

func (f Family) String() string {
	switch f {
	case FamilyInet:
		return FamilyTagInet
	case FamilyInet6:
		return FamilyTagInet6
	default:
		return "unknown"
	}
}

func familyFromTag(tag string) Family {
	switch tag {
	case FamilyTagInet:
		return FamilyInet
	case FamilyTagInet6:
		return FamilyInet6
	default:
		return FamilyUnknown
	}
}

// inferFamily covers objects that leave the family tag empty. Those only
// fill the port for AF_INET destinations.
func inferFamily(tag, addr string, port uint64) Family {
	if tag != "" {
		return familyFromTag(tag)
	}
	if a, err := netip.ParseAddr(addr); err == nil {
		if a.Is4() || a.Is4In6() {
			return FamilyInet
		}
		return FamilyInet6
	}
	if port != 0 {
		return FamilyInet
	}
	return FamilyUnknown
}

// firstString returns the first non-empty NUL-terminated field.
func firstString(fields ...[]byte) string {
	for _, f := range fields {
		if s := CString(f); s != "" {
			return s
		}
	}
	return ""
}

// Meta is the attribution every decoded record carries.
type Meta struct {
	TsNs uint64 // monotonic, 0 for narrow records
	PID  uint32
	TID  uint32
}

// Time converts the monotonic timestamp to wall time given the wall-clock
// instant the monotonic clock started at.
func (m Meta) Time(boot time.Time) time.Time {
	return boot.Add(time.Duration(m.TsNs))
}

// Record is a decoded event. The concrete type is one of *Connect, *Openat,
// *SQLExec or *NarrowSQL.
type Record interface {
	Hook() types.Hook
	Meta() Meta
}

// Connect is a decoded connect record.
type Connect struct {
	M      Meta
	FD     int32
	Port   uint16
	Family Family
	Addr   string // dotted quad for inet, empty otherwise
}

func (c *Connect) Hook() types.Hook { return types.HookConnect }
func (c *Connect) Meta() Meta       { return c.M }

// Openat is a decoded file-open record.
type Openat struct {
	M     Meta
	DirFD int32
	Flags uint32
	Path  string
}

func (o *Openat) Hook() types.Hook { return types.HookOpenat }
func (o *Openat) Meta() Meta       { return o.M }

// SQLExec is a decoded SQL-execution record from the generic schema.
type SQLExec struct {
	M     Meta
	Conn  uint64 // opaque connection handle, for correlation only
	Query string
}

func (s *SQLExec) Hook() types.Hook { return types.HookSQLExec }
func (s *SQLExec) Meta() Meta       { return s.M }

// NarrowSQL is a decoded record from the narrow schema.
type NarrowSQL struct {
	M     Meta
	Query string
}

func (s *NarrowSQL) Hook() types.Hook { return types.HookSQLExec }
func (s *NarrowSQL) Meta() Meta       { return s.M }

// Decoder turns raw ring buffer samples into records for one schema.
type Decoder struct {
	schema types.Schema
}

// NewDecoder returns a decoder for schema.
func NewDecoder(schema types.Schema) *Decoder {
	return &Decoder{schema: schema}
}

// Schema returns the schema d decodes.
func (d *Decoder) Schema() types.Schema {
	return d.schema
}

// Size returns the exact sample size d expects.
func (d *Decoder) Size() int {
	if d.schema == types.SchemaNarrow {
		return NarrowSize
	}
	return GenericSize
}

// Decode parses one raw sample. Short, long or untagged samples are errors:
// they mean the transport or the deployed schema does not match.
func (d *Decoder) Decode(raw []byte) (Record, error) {
	switch d.schema {
	case types.SchemaNarrow:
		return DecodeNarrow(raw)
	case types.SchemaGeneric:
		return DecodeGeneric(raw)
	default:
		return nil, fmt.Errorf("decode: unsupported schema %s", d.schema)
	}
}

// DecodeGeneric parses a generic record.
func DecodeGeneric(raw []byte) (Record, error) {
	var e Generic
	if err := e.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return FromGeneric(&e)
}

// FromGeneric converts a wire record into its typed variant.
func FromGeneric(e *Generic) (Record, error) {
	m := Meta{TsNs: e.TsNs, PID: e.PID, TID: e.TID}
	switch hook := e.Hook(); hook {
	case types.HookConnect:
		return &Connect{
			M:      m,
			FD:     int32(e.Num1),
			Port:   uint16(e.Num2),
			Family: inferFamily(CString(e.Str2[:]), CString(e.Str1[:]), e.Num2),
			Addr:   CString(e.Str1[:]),
		}, nil
	case types.HookOpenat:
		return &Openat{
			M:     m,
			DirFD: int32(e.Num1),
			Flags: uint32(e.Num2),
			Path:  CString(e.Str1[:]),
		}, nil
	case types.HookSQLExec:
		return &SQLExec{
			M:     m,
			Conn:  e.Num1,
			Query: firstString(e.Str2[:], e.Str1[:]),
		}, nil
	case 0:
		return nil, fmt.Errorf("%w (pid=%d ts=%d)", ErrZeroHook, e.PID, e.TsNs)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownHook, uint32(hook))
	}
}

// DecodeNarrow parses a narrow record.
func DecodeNarrow(raw []byte) (Record, error) {
	var e Narrow
	if err := e.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &NarrowSQL{
		M:     Meta{PID: uint32(e.PID)},
		Query: CString(e.SQL[:]),
	}, nil
}

// SortByTimestamp orders records by their monotonic timestamp. Arrival order
// on the ring is not a global order across CPUs.
func SortByTimestamp(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Meta().TsNs < recs[j].Meta().TsNs
	})
}
