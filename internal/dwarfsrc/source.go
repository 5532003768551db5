// Package dwarfsrc wraps a compiled binary's DWARF debug sections as a
// tree of debugging information entries, one tree per compilation unit,
// with typed attribute access and type-reference resolution across unit
// boundaries.
package dwarfsrc

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maypok86/otter"

	"github.com/cheri-lab/dwarfscan/internal/cheri"
)

// unitCacheCapacity bounds how many parsed compilation units are kept
// alive for cross-unit type references.
const unitCacheCapacity = 16

// dieIndex resolves a global DIE offset to its tree node, loading the
// containing compilation unit when necessary.
type dieIndex interface {
	dieAt(offset dwarf.Offset) (*DIE, error)
}

// Source wraps an ELF binary with DWARF debug information. Opening a
// source selects the target architecture from the ELF header and
// configures the matching capability encoder.
type Source struct {
	path         string
	file         *elf.File
	data         *dwarf.Data
	arch         cheri.Arch
	encoder      *cheri.Encoder
	littleEndian bool
	unitOffsets  []dwarf.Offset
	units        otter.Cache[dwarf.Offset, *Unit]
}

// Open opens the binary at path and prepares its compilation units for
// traversal.
func Open(path string) (*Source, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	arch, err := detectArch(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	encoder, err := cheri.NewEncoder(arch)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	data, err := file.DWARF()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read DWARF data from %s: %w", path, err)
	}

	offsets, err := unitOffsets(data)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to enumerate compilation units in %s: %w", path, err)
	}

	units, err := otter.MustBuilder[dwarf.Offset, *Unit](unitCacheCapacity).Build()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to build unit cache: %w", err)
	}

	return &Source{
		path:         path,
		file:         file,
		data:         data,
		arch:         arch,
		encoder:      encoder,
		littleEndian: file.Data == elf.ELFDATA2LSB,
		unitOffsets:  offsets,
		units:        units,
	}, nil
}

func detectArch(file *elf.File) (cheri.Arch, error) {
	switch file.Machine {
	case elf.EM_AARCH64:
		return cheri.ArchMorello, nil
	case elf.EM_RISCV:
		if file.Class == elf.ELFCLASS64 {
			return cheri.ArchRISCV64, nil
		}
		return cheri.ArchRISCV32, nil
	default:
		return cheri.ArchUnknown, fmt.Errorf("unsupported machine type %s", file.Machine)
	}
}

// unitOffsets scans the debug info for the offset of every compilation
// unit header DIE.
func unitOffsets(data *dwarf.Data) ([]dwarf.Offset, error) {
	var offsets []dwarf.Offset
	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == dwarf.TagCompileUnit {
			offsets = append(offsets, entry.Offset)
		}
		reader.SkipChildren()
	}
	return offsets, nil
}

// Close releases the underlying file.
func (s *Source) Close() error {
	s.units.Close()
	return s.file.Close()
}

// Path returns the binary this source reads from.
func (s *Source) Path() string {
	return s.path
}

// Arch returns the detected target architecture.
func (s *Source) Arch() cheri.Arch {
	return s.arch
}

// Encoder returns the capability encoder for the detected architecture.
func (s *Source) Encoder() *cheri.Encoder {
	return s.encoder
}

// IsLittleEndian reports the byte order of the target.
func (s *Source) IsLittleEndian() bool {
	return s.littleEndian
}

// NumUnits returns the number of compilation units in the binary.
func (s *Source) NumUnits() int {
	return len(s.unitOffsets)
}

// EachUnit loads compilation units one at a time and passes them to fn.
// Iteration stops at the first error, which is returned.
func (s *Source) EachUnit(fn func(*Unit) error) error {
	for _, offset := range s.unitOffsets {
		unit, err := s.loadUnit(offset)
		if err != nil {
			return err
		}
		if err := fn(unit); err != nil {
			return err
		}
	}
	return nil
}

// dieAt resolves a DIE by its global offset, loading the owning unit if
// it is not already cached.
func (s *Source) dieAt(offset dwarf.Offset) (*DIE, error) {
	idx := sort.Search(len(s.unitOffsets), func(i int) bool {
		return s.unitOffsets[i] > offset
	})
	if idx == 0 {
		return nil, fmt.Errorf("no compilation unit contains DIE offset %#x", offset)
	}
	unit, err := s.loadUnit(s.unitOffsets[idx-1])
	if err != nil {
		return nil, err
	}
	die, ok := unit.byOffset[offset]
	if !ok {
		return nil, fmt.Errorf("no DIE at offset %#x in unit %s", offset, unit.Name())
	}
	return die, nil
}

// loadUnit parses the DIE tree of the compilation unit at offset, reusing
// the cached tree when the unit was loaded before.
func (s *Source) loadUnit(offset dwarf.Offset) (*Unit, error) {
	if unit, ok := s.units.Get(offset); ok {
		return unit, nil
	}

	reader := s.data.Reader()
	reader.Seek(offset)
	cuEntry, err := reader.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to read unit header at %#x: %w", offset, err)
	}
	if cuEntry == nil || cuEntry.Tag != dwarf.TagCompileUnit {
		return nil, fmt.Errorf("no compilation unit at offset %#x", offset)
	}

	unit := &Unit{
		index:    s,
		byOffset: make(map[dwarf.Offset]*DIE),
		addrSize: reader.AddressSize(),
	}
	if name, ok := cuEntry.Val(dwarf.AttrName).(string); ok {
		unit.name = name
	}
	if dir, ok := cuEntry.Val(dwarf.AttrCompDir).(string); ok {
		unit.compDir = dir
	}
	if lineReader, err := s.data.LineReader(cuEntry); err == nil && lineReader != nil {
		unit.files = lineReader.Files()
	}

	root := &DIE{entry: cuEntry, unit: unit}
	unit.root = root
	unit.byOffset[cuEntry.Offset] = root

	if cuEntry.Children {
		stack := []*DIE{root}
		for len(stack) > 0 {
			entry, err := reader.Next()
			if err != nil {
				return nil, fmt.Errorf("failed to read DIE in unit %s: %w", unit.Name(), err)
			}
			if entry == nil {
				return nil, fmt.Errorf("truncated DIE tree in unit %s", unit.Name())
			}
			if entry.Tag == 0 {
				stack = stack[:len(stack)-1]
				continue
			}
			die := &DIE{entry: entry, unit: unit}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, die)
			unit.byOffset[entry.Offset] = die
			if entry.Children {
				stack = append(stack, die)
			}
		}
	}

	s.units.Set(offset, unit)
	return unit, nil
}

// Unit is the parsed DIE tree of one compilation unit.
type Unit struct {
	index    dieIndex
	root     *DIE
	byOffset map[dwarf.Offset]*DIE
	name     string
	compDir  string
	files    []*dwarf.LineFile
	addrSize int
}

// Name returns the compilation unit source name, empty when the producer
// did not record one.
func (u *Unit) Name() string {
	return u.name
}

// Root returns the compilation unit DIE.
func (u *Unit) Root() *DIE {
	return u.root
}

// fileName resolves an index into the unit's declaration file table to an
// absolute path.
func (u *Unit) fileName(index uint64) string {
	if index >= uint64(len(u.files)) || u.files[index] == nil {
		return ""
	}
	name := u.files[index].Name
	if !filepath.IsAbs(name) && u.compDir != "" {
		name = filepath.Join(u.compDir, name)
	}
	return name
}

// StripPrefix makes path relative to prefix. Paths outside the prefix are
// returned unchanged.
func StripPrefix(path, prefix string) string {
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return path
	}
	rel, err := filepath.Rel(prefix, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}
