// Package scraper extracts record layouts from DWARF debug info and
// persists them, together with the compressed-capability bounds of every
// flattened member, into the relational store.
package scraper

import (
	"context"
	"debug/dwarf"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/cheri-lab/dwarfscan/internal/cheri"
	"github.com/cheri-lab/dwarfscan/internal/dwarfsrc"
	"github.com/cheri-lab/dwarfscan/internal/logging"
	"github.com/cheri-lab/dwarfscan/internal/storage"
)

// Source is the slice of the DWARF reader the scraper consumes. Both the
// ELF-backed source and the synthetic test source satisfy it.
type Source interface {
	Path() string
	Encoder() *cheri.Encoder
	IsLittleEndian() bool
	NumUnits() int
	EachUnit(fn func(*dwarfsrc.Unit) error) error
	Close() error
}

// Options tune a scraper job.
type Options struct {
	// StripPrefix makes declaration file paths relative to this prefix;
	// paths outside it are recorded unchanged.
	StripPrefix string
	// Filters restricts scraping to record types whose declaration file
	// matches at least one glob. Empty means scrape everything.
	Filters []glob.Glob
	// UnitDone, when set, is invoked after each flushed compilation
	// unit, for progress reporting.
	UnitDone func()
}

// Process-wide id wells. Rows receive a stable in-memory identity before
// insertion; duplicate detection at flush time remaps them.
var (
	structTypeID   atomic.Uint64
	structMemberID atomic.Uint64
)

func nextStructTypeID() uint64   { return structTypeID.Add(1) }
func nextStructMemberID() uint64 { return structMemberID.Add(1) }

type typeKey struct {
	name string
	file string
	line uint64
}

// structTypeEntry accumulates one record type within the current
// compilation unit. Members are collected fully before any flush so their
// ids stay stable.
type structTypeEntry struct {
	data            StructTypeRow
	members         []*StructMemberRow
	flattened       []MemberBoundsRow
	skipPostprocess bool
}

// LayoutScraper scrapes one binary. State is local to the job; the only
// shared resource is the storage manager, which serializes internally.
type LayoutScraper struct {
	sm       *storage.Manager
	src      Source
	resolver *dwarfsrc.Resolver
	opts     Options
	log      *logrus.Entry

	structTypeMap map[typeKey]*structTypeEntry

	stats  Stats
	errors []string

	insertStruct  *storage.Statement
	selectStruct  *storage.Statement
	insertMember  *storage.Statement
	selectMember  *storage.Statement
	insertBounds  *storage.Statement
	markImprecise *storage.Statement
	findAliases   *storage.Statement
}

// New builds a scraper job for one source.
func New(sm *storage.Manager, src Source, opts Options) *LayoutScraper {
	return &LayoutScraper{
		sm:            sm,
		src:           src,
		resolver:      dwarfsrc.NewResolver(opts.StripPrefix),
		opts:          opts,
		log:           logging.L().WithField("job", src.Path()),
		structTypeMap: make(map[typeKey]*structTypeEntry),
	}
}

// Name identifies the scraper kind in logs and results.
func (s *LayoutScraper) Name() string {
	return "struct_layout"
}

// Path returns the binary this job scrapes.
func (s *LayoutScraper) Path() string {
	return s.src.Path()
}

// Result reports collected fatal errors and statistics.
func (s *LayoutScraper) Result() Result {
	return Result{Errors: s.errors, Stats: s.stats}
}

// Run drives the per-unit lifecycle. Cancellation is observed at
// compilation unit boundaries: the current unit is flushed completely
// before the job returns, so no torn state reaches the database.
func (s *LayoutScraper) Run(ctx context.Context) error {
	err := s.src.EachUnit(func(unit *dwarfsrc.Unit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.beginUnit(unit); err != nil {
			return err
		}
		if err := s.walk(unit.Root()); err != nil {
			return err
		}
		if err := s.endUnit(unit); err != nil {
			return err
		}
		if s.opts.UnitDone != nil {
			s.opts.UnitDone()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.log.Info("Scraper cancelled, partial units committed")
			return nil
		}
		s.errors = append(s.errors, err.Error())
		return err
	}
	return nil
}

func (s *LayoutScraper) beginUnit(unit *dwarfsrc.Unit) error {
	if unit.Name() == "" {
		s.log.Error("Invalid compilation unit, missing name")
		return fmt.Errorf("invalid compilation unit at %#x: missing name", unit.Root().Offset())
	}
	s.log.WithField("unit", unit.Name()).Debug("Enter compilation unit")
	return nil
}

// walk visits the unit tree depth first, scraping every record type
// definition it encounters. Typedefs are handled transitively during
// member resolution and are no-ops here.
func (s *LayoutScraper) walk(die *dwarfsrc.DIE) error {
	for _, child := range die.Children() {
		switch child.Tag() {
		case dwarf.TagStructType:
			if _, err := s.visitCommon(child, dwarfsrc.FlagStruct); err != nil {
				return err
			}
		case dwarf.TagUnionType:
			if _, err := s.visitCommon(child, dwarfsrc.FlagUnion); err != nil {
				return err
			}
		case dwarf.TagClassType:
			if _, err := s.visitCommon(child, dwarfsrc.FlagClass); err != nil {
				return err
			}
		}
		if err := s.walk(child); err != nil {
			return err
		}
	}
	return nil
}

// visitCommon scrapes one record DIE. It returns the record's id, or nil
// when the DIE was skipped (declaration, filtered, or missing required
// attributes). The first visit of a key collects the members; later
// visits are idempotent.
func (s *LayoutScraper) visitCommon(die *dwarfsrc.DIE, kind dwarfsrc.TypeFlags) (*uint64, error) {
	// Declarations are skipped, their definition appears elsewhere.
	if die.Flag(dwarf.AttrDeclaration) {
		return nil, nil
	}
	if die.Has(dwarf.AttrSpecification) {
		s.log.Error("DW_AT_specification unsupported")
		return nil, fmt.Errorf("DW_AT_specification unsupported at DIE %#x", die.Offset())
	}

	row := StructTypeRow{Flags: kind}

	size, ok := die.Uint(dwarf.AttrByteSize)
	if !ok {
		s.log.WithField("die", fmt.Sprintf("%#x", die.Offset())).
			Warn("Missing record size, skipping")
		return nil, nil
	}
	row.Size = size
	row.File = dwarfsrc.StripPrefix(die.DeclFile(), s.opts.StripPrefix)
	row.Line = die.DeclLine()

	if name, ok := die.Name(); ok {
		row.Name = name
	} else {
		row.Name = dwarfsrc.AnonymousName(die, s.opts.StripPrefix)
		row.Flags |= dwarfsrc.FlagAnonymous
	}

	if !s.matchesFilter(row.File) {
		return nil, nil
	}

	key := typeKey{name: row.Name, file: row.File, line: row.Line}
	if entry, ok := s.structTypeMap[key]; ok {
		id := entry.data.ID
		return &id, nil
	}

	// Assign the global id before member collection; nested members
	// reference it as their owner.
	row.ID = nextStructTypeID()
	entry := &structTypeEntry{data: row}
	memberIndex := 0
	for _, child := range die.Children() {
		if child.Tag() != dwarf.TagMember {
			continue
		}
		member, err := s.visitMember(child, &entry.data, memberIndex)
		if err != nil {
			return nil, err
		}
		memberIndex++
		if member != nil {
			entry.members = append(entry.members, member)
		}
	}
	s.structTypeMap[key] = entry

	id := entry.data.ID
	return &id, nil
}

// visitMember scrapes one DW_TAG_member child. Recoverable attribute
// problems are logged and skip the member by returning nil.
func (s *LayoutScraper) visitMember(die *dwarfsrc.DIE, owner *StructTypeRow, memberIndex int) (*StructMemberRow, error) {
	member := &StructMemberRow{
		ID:    nextStructMemberID(),
		Owner: owner.ID,
		Line:  die.DeclLine(),
	}
	if member.Owner == 0 {
		return nil, fmt.Errorf("cannot visit member of %q with invalid owner id", owner.Name)
	}

	typeDie, err := die.TypeRef()
	if err != nil {
		s.log.WithError(err).Warn("Unresolvable member type reference, skipping")
		return nil, nil
	}
	info, err := s.resolver.TypeInfo(typeDie)
	if err != nil {
		s.log.WithError(err).Warn("Failed to resolve member type, skipping")
		return nil, nil
	}
	member.TypeName = info.TypeName
	member.ByteSize = info.ByteSize
	member.Flags = info.Flags
	member.ArrayItems = info.ArrayItems

	// Aggregate members reference the record type; visit it so it
	// exists in the unit's type map.
	if info.Flags.IsRecord() && info.BaseDIE != nil {
		nested, err := s.visitCommon(info.BaseDIE, info.Flags.RecordOnly())
		if err != nil {
			return nil, err
		}
		if nested != nil {
			if *nested == member.Owner {
				return nil, fmt.Errorf("recursive member %q of record %q", member.TypeName, owner.Name)
			}
			member.Nested = nested
		}
	}

	// Member geometry. A size on the member DIE overrides the type's,
	// as bit-field containers do.
	if size, ok := die.Uint(dwarf.AttrByteSize); ok {
		member.ByteSize = size
	}
	if bitSize, ok := die.Uint(dwarf.AttrBitSize); ok {
		member.BitSize = &bitSize
	}

	location, _, err := die.MemberOffset()
	if err != nil {
		s.log.WithError(err).Warn("Unusable member location, skipping")
		return nil, nil
	}

	var bitPos *uint64
	if dataBitOffset, ok := die.Uint(dwarf.AttrDataBitOffset); ok {
		p := location*8 + dataBitOffset
		bitPos = &p
	}
	if legacy, ok := die.Uint(dwarf.AttrBitOffset); ok {
		// DWARF 3 bit offsets count from the containing unit's most
		// significant bit; fold them into an absolute bit position.
		p := location * 8
		if bitPos != nil {
			p = *bitPos
		}
		if s.src.IsLittleEndian() {
			shift := legacy
			if member.BitSize != nil {
				shift += *member.BitSize
			}
			p = p + member.ByteSize*8 - shift
		} else {
			p += legacy
		}
		bitPos = &p
	}
	if bitPos != nil {
		member.ByteOffset = *bitPos / 8
		if rem := *bitPos % 8; rem != 0 || member.BitSize != nil {
			member.BitOffset = &rem
		}
	} else {
		member.ByteOffset = location
	}

	if name, ok := die.Name(); ok {
		member.Name = name
	} else if owner.Flags&dwarfsrc.FlagUnion != 0 {
		member.Name = fmt.Sprintf("<anon>@%d", memberIndex)
	} else {
		member.Name = fmt.Sprintf("<anon>@%d", member.ByteOffset)
		if member.BitOffset != nil {
			member.Name += fmt.Sprintf(":%d", *member.BitOffset)
		}
	}

	return member, nil
}

func (s *LayoutScraper) matchesFilter(file string) bool {
	if len(s.opts.Filters) == 0 {
		return true
	}
	for _, filter := range s.opts.Filters {
		if filter.Match(file) {
			return true
		}
	}
	return false
}
