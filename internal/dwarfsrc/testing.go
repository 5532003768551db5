package dwarfsrc

import (
	"debug/dwarf"
	"fmt"

	"github.com/cheri-lab/dwarfscan/internal/cheri"
)

// SyntheticSource fabricates DIE trees in memory so scraping can be
// exercised without compiling fixture binaries. It mirrors the Source
// surface the scraper consumes.
type SyntheticSource struct {
	path         string
	encoder      *cheri.Encoder
	littleEndian bool
	units        []*Unit
	nextOffset   dwarf.Offset
}

// NewSyntheticSource returns an empty source for the given architecture.
// It panics on an unknown architecture; it is a test helper.
func NewSyntheticSource(path string, arch cheri.Arch) *SyntheticSource {
	encoder, err := cheri.NewEncoder(arch)
	if err != nil {
		panic(err)
	}
	return &SyntheticSource{
		path:         path,
		encoder:      encoder,
		littleEndian: true,
		nextOffset:   0x10,
	}
}

// SetBigEndian flips the simulated target byte order.
func (s *SyntheticSource) SetBigEndian() {
	s.littleEndian = false
}

func (s *SyntheticSource) Path() string            { return s.path }
func (s *SyntheticSource) Encoder() *cheri.Encoder { return s.encoder }
func (s *SyntheticSource) IsLittleEndian() bool    { return s.littleEndian }
func (s *SyntheticSource) NumUnits() int           { return len(s.units) }
func (s *SyntheticSource) Close() error            { return nil }

// EachUnit passes every fabricated unit to fn in insertion order.
func (s *SyntheticSource) EachUnit(fn func(*Unit) error) error {
	for _, unit := range s.units {
		if err := fn(unit); err != nil {
			return err
		}
	}
	return nil
}

func (s *SyntheticSource) dieAt(offset dwarf.Offset) (*DIE, error) {
	for _, unit := range s.units {
		if die, ok := unit.byOffset[offset]; ok {
			return die, nil
		}
	}
	return nil, fmt.Errorf("no synthetic DIE at offset %#x", offset)
}

// AddUnit fabricates a compilation unit. The file list seeds the
// declaration file table; indexes passed to F(dwarf.AttrDeclFile, ...)
// are 1-based, matching DWARF 4 producers.
func (s *SyntheticSource) AddUnit(name string, files ...string) *Unit {
	table := make([]*dwarf.LineFile, 0, len(files)+1)
	table = append(table, nil)
	for _, file := range files {
		table = append(table, &dwarf.LineFile{Name: file})
	}
	unit := &Unit{
		index:    s,
		byOffset: make(map[dwarf.Offset]*DIE),
		name:     name,
		files:    table,
		addrSize: 8,
	}
	root := &DIE{
		entry: &dwarf.Entry{
			Offset:   s.takeOffset(),
			Tag:      dwarf.TagCompileUnit,
			Children: true,
			Field:    []dwarf.Field{{Attr: dwarf.AttrName, Val: name, Class: dwarf.ClassString}},
		},
		unit: unit,
	}
	unit.root = root
	unit.byOffset[root.Offset()] = root
	s.units = append(s.units, unit)
	return unit
}

// AddDIE fabricates an entry under parent and returns it.
func (s *SyntheticSource) AddDIE(parent *DIE, tag dwarf.Tag, fields ...dwarf.Field) *DIE {
	die := &DIE{
		entry: &dwarf.Entry{
			Offset:   s.takeOffset(),
			Tag:      tag,
			Children: true,
			Field:    fields,
		},
		unit: parent.unit,
	}
	parent.children = append(parent.children, die)
	parent.unit.byOffset[die.Offset()] = die
	return die
}

func (s *SyntheticSource) takeOffset() dwarf.Offset {
	offset := s.nextOffset
	s.nextOffset += 0x10
	return offset
}

// F builds an attribute field for AddDIE.
func F(attr dwarf.Attr, val any) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: val}
}

// Ref builds a DW_AT_type reference to another fabricated DIE.
func Ref(target *DIE) dwarf.Field {
	return dwarf.Field{Attr: dwarf.AttrType, Val: target.Offset(), Class: dwarf.ClassReference}
}
