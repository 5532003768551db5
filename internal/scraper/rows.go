package scraper

import (
	"fmt"

	"github.com/cheri-lab/dwarfscan/internal/dwarfsrc"
)

// StructTypeRow mirrors one struct_type record.
type StructTypeRow struct {
	ID           uint64
	File         string
	Line         uint64
	Name         string
	Size         uint64
	Flags        dwarfsrc.TypeFlags
	HasImprecise bool
}

// StructMemberRow mirrors one struct_member record. BitSize and BitOffset
// are only set for bit-fields; Nested references the record row of
// aggregate members.
type StructMemberRow struct {
	ID         uint64
	Owner      uint64
	Nested     *uint64
	Name       string
	TypeName   string
	Line       uint64
	ByteSize   uint64
	BitSize    *uint64
	ByteOffset uint64
	BitOffset  *uint64
	Flags      dwarfsrc.TypeFlags
	ArrayItems *uint64
}

func (r *StructMemberRow) String() string {
	nested := "NULL"
	if r.Nested != nil {
		nested = fmt.Sprintf("%d", *r.Nested)
	}
	return fmt.Sprintf("StructMemberRow{id=%d, owner=%d, nested=%s, name=%q, tname=%q, off=%d/%d, size=%d/%d, flags=%#x}",
		r.ID, r.Owner, nested, r.Name, r.TypeName,
		r.ByteOffset, deref(r.BitOffset), r.ByteSize, deref(r.BitSize), uint32(r.Flags))
}

func deref(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

// requiredLength is the byte span a sub-object capability for this member
// must cover. Bit-fields extend the span by one byte for the trailing
// partial unit.
func (r *StructMemberRow) requiredLength() uint64 {
	length := r.ByteSize
	if r.BitSize != nil && *r.BitSize > 0 {
		length++
	}
	return length
}

// MemberBoundsRow mirrors one member_bounds record: the representable
// capability bounds for a single flattened member path.
type MemberBoundsRow struct {
	Owner             uint64
	Member            uint64
	Name              string
	Offset            uint64
	Base              uint64
	Top               uint64
	IsImprecise       bool
	RequiredPrecision int

	// reqLength is kept so bounds can be recomputed when the row is
	// re-based into a containing layout. Not persisted.
	reqLength uint64
}

// optArg converts an optional column value for statement binding.
func optArg(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
