package dwarfsrc

import (
	"debug/dwarf"
	"fmt"
)

// DIE is one debugging information entry in a compilation unit tree.
type DIE struct {
	entry    *dwarf.Entry
	unit     *Unit
	children []*DIE
}

// Tag returns the DWARF tag of the entry.
func (d *DIE) Tag() dwarf.Tag {
	return d.entry.Tag
}

// Offset returns the entry's global offset in the debug info section.
func (d *DIE) Offset() dwarf.Offset {
	return d.entry.Offset
}

// Unit returns the compilation unit this entry belongs to.
func (d *DIE) Unit() *Unit {
	return d.unit
}

// Children returns the entry's direct children in declaration order.
func (d *DIE) Children() []*DIE {
	return d.children
}

// Has reports whether the entry carries the attribute.
func (d *DIE) Has(attr dwarf.Attr) bool {
	return d.entry.AttrField(attr) != nil
}

// Name returns the DW_AT_name string.
func (d *DIE) Name() (string, bool) {
	name, ok := d.entry.Val(dwarf.AttrName).(string)
	return name, ok
}

// Uint returns an unsigned constant attribute value.
func (d *DIE) Uint(attr dwarf.Attr) (uint64, bool) {
	switch v := d.entry.Val(attr).(type) {
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	default:
		return 0, false
	}
}

// Flag reports a flag-class attribute (present and true).
func (d *DIE) Flag(attr dwarf.Attr) bool {
	v, ok := d.entry.Val(attr).(bool)
	return ok && v
}

// DeclLine returns the DW_AT_decl_line value, zero when absent.
func (d *DIE) DeclLine() uint64 {
	line, _ := d.Uint(dwarf.AttrDeclLine)
	return line
}

// DeclFile returns the absolute declaration file path, empty when the
// entry has no usable DW_AT_decl_file.
func (d *DIE) DeclFile() string {
	index, ok := d.Uint(dwarf.AttrDeclFile)
	if !ok {
		return ""
	}
	return d.unit.fileName(index)
}

// MemberOffset returns the DW_AT_data_member_location in bytes. The
// attribute is either a plain constant or, for DWARF 2 producers, a
// location expression of the form DW_OP_plus_uconst <offset>.
func (d *DIE) MemberOffset() (uint64, bool, error) {
	field := d.entry.AttrField(dwarf.AttrDataMemberLoc)
	if field == nil {
		return 0, false, nil
	}
	switch v := field.Val.(type) {
	case int64:
		if v < 0 {
			return 0, false, fmt.Errorf("negative member location %d", v)
		}
		return uint64(v), true, nil
	case []byte:
		offset, err := decodePlusUconst(v)
		if err != nil {
			return 0, false, err
		}
		return offset, true, nil
	default:
		return 0, false, fmt.Errorf("unsupported member location class %T", field.Val)
	}
}

// opPlusUconst is the only location opcode accepted for member offsets.
const opPlusUconst = 0x23

func decodePlusUconst(expr []byte) (uint64, error) {
	if len(expr) < 2 || expr[0] != opPlusUconst {
		return 0, fmt.Errorf("unsupported member location expression")
	}
	var value uint64
	var shift uint
	for _, b := range expr[1:] {
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("truncated member location expression")
}

// TypeRef follows DW_AT_type, possibly into another compilation unit.
// Entries without the attribute resolve to nil.
func (d *DIE) TypeRef() (*DIE, error) {
	offset, ok := d.entry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return nil, nil
	}
	if die, ok := d.unit.byOffset[offset]; ok {
		return die, nil
	}
	return d.unit.index.dieAt(offset)
}

// AddrSize returns the pointer width of the unit this entry belongs to.
func (d *DIE) AddrSize() int {
	return d.unit.addrSize
}
