package scraper

import (
	"fmt"

	"github.com/cheri-lab/dwarfscan/internal/dwarfsrc"
	"github.com/cheri-lab/dwarfscan/internal/storage"
)

// endUnit drains the unit's type map into the database.
//
// The flush runs in two transactions. The first inserts record rows and
// members: duplicate records (already inserted by an earlier unit or
// another job) keep the pre-existing id, recorded in a remap table so
// member nested references never dangle. The second transaction inserts
// the flattened bounds and discovers alias pairs; it is skipped for
// duplicate records, whose flattened layout is owned by whoever inserted
// them first.
func (s *LayoutScraper) endUnit(unit *dwarfsrc.Unit) error {
	entryByID := make(map[uint64]*structTypeEntry)
	remap := make(map[uint64]uint64)

	err := s.sm.Transaction(func(tx *storage.Tx) error {
		for _, entry := range s.structTypeMap {
			s.log.WithField("struct", entry.data.Name).Trace("Try insert struct")
			localID := entry.data.ID
			if localID == 0 {
				return fmt.Errorf("unassigned local id for record %q", entry.data.Name)
			}
			isNew, err := s.insertStructType(tx, &entry.data)
			if err != nil {
				return err
			}
			if isNew {
				s.stats.StructTypes++
			} else {
				remap[localID] = entry.data.ID
				entry.skipPostprocess = true
				s.stats.DupStructs++
			}
			entryByID[entry.data.ID] = entry
		}

		// Record ids are stable now; flush the members with nested
		// references rewritten through the remap table.
		for _, entry := range s.structTypeMap {
			owner := entry.data.ID
			for _, member := range entry.members {
				s.log.WithField("member", member.Name).Trace("Try insert member")
				member.Owner = owner
				if member.Nested != nil {
					if mapped, ok := remap[*member.Nested]; ok {
						if mapped == owner {
							return fmt.Errorf("recursive member %q in record %q",
								member.Name, entry.data.Name)
						}
						remapped := mapped
						member.Nested = &remapped
					}
				}
				if err := s.insertStructMember(tx, member); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.checkContainment(entryByID); err != nil {
		return err
	}

	for _, entry := range s.structTypeMap {
		if entry.skipPostprocess {
			continue
		}
		s.flattenEntry(entryByID, entry)
	}

	err = s.sm.Transaction(func(tx *storage.Tx) error {
		for _, entry := range s.structTypeMap {
			if entry.skipPostprocess {
				continue
			}
			for i := range entry.flattened {
				if err := s.insertMemberBounds(tx, &entry.flattened[i]); err != nil {
					return err
				}
			}
			if entry.data.HasImprecise {
				err := tx.Cursor(s.markImprecise).
					BindAt("id", int64(entry.data.ID)).Run()
				if err != nil {
					return fmt.Errorf("failed to mark %q imprecise: %w", entry.data.Name, err)
				}
			}
			// Determine the alias groups for the member capabilities.
			err := tx.Cursor(s.findAliases).
				BindAt("owner", int64(entry.data.ID)).Run()
			if err != nil {
				return fmt.Errorf("failed to find aliases for %q: %w", entry.data.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.structTypeMap = make(map[typeKey]*structTypeEntry)
	return nil
}

// insertStructType inserts a record row, reporting whether it was new.
// On a uniqueness conflict the pre-existing id is fetched and written
// back into the row.
func (s *LayoutScraper) insertStructType(tx *storage.Tx, row *StructTypeRow) (bool, error) {
	defer s.stats.Timing("insert_type")()

	isNew := false
	var fetchErr error
	cursor := tx.Cursor(s.insertStruct)
	cursor.BindAt("id", int64(row.ID))
	cursor.BindAt("file", row.File)
	cursor.BindAt("line", int64(row.Line))
	cursor.BindAt("name", row.Name)
	cursor.BindAt("size", int64(row.Size))
	cursor.BindAt("flags", int64(row.Flags))
	err := cursor.Run(func(view storage.RowView) bool {
		fetchErr = view.Fetch("id", &row.ID)
		isNew = true
		return true
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert record %q: %w", row.Name, err)
	}
	if fetchErr != nil {
		return false, fetchErr
	}
	if isNew {
		s.log.WithField("struct", row.Name).
			WithField("id", row.ID).
			Tracef("Insert record type at %s:%d", row.File, row.Line)
		return true, nil
	}

	found := false
	sel := tx.Cursor(s.selectStruct)
	sel.BindAt("file", row.File)
	sel.BindAt("line", int64(row.Line))
	sel.BindAt("name", row.Name)
	err = sel.Run(func(view storage.RowView) bool {
		fetchErr = view.Fetch("id", &row.ID)
		found = true
		return true
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up record %q: %w", row.Name, err)
	}
	if fetchErr != nil {
		return false, fetchErr
	}
	if !found {
		return false, fmt.Errorf("record %q conflicted but has no existing row", row.Name)
	}
	return false, nil
}

// insertStructMember inserts a member row, falling back to a lookup by
// the (owner, name, offset) uniqueness tuple when the insert conflicts.
func (s *LayoutScraper) insertStructMember(tx *storage.Tx, row *StructMemberRow) error {
	defer s.stats.Timing("insert_member")()

	isNew := false
	var fetchErr error
	cursor := tx.Cursor(s.insertMember)
	cursor.BindAt("id", int64(row.ID))
	cursor.BindAt("owner", int64(row.Owner))
	cursor.BindAt("nested", optArg(row.Nested))
	cursor.BindAt("name", row.Name)
	cursor.BindAt("type_name", row.TypeName)
	cursor.BindAt("line", int64(row.Line))
	cursor.BindAt("size", int64(row.ByteSize))
	cursor.BindAt("bit_size", optArg(row.BitSize))
	cursor.BindAt("offset", int64(row.ByteOffset))
	cursor.BindAt("bit_offset", optArg(row.BitOffset))
	cursor.BindAt("flags", int64(row.Flags))
	cursor.BindAt("array_items", optArg(row.ArrayItems))
	err := cursor.Run(func(view storage.RowView) bool {
		fetchErr = view.Fetch("id", &row.ID)
		isNew = true
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to insert member %q: %w", row.Name, err)
	}
	if fetchErr != nil {
		return fetchErr
	}
	if isNew {
		s.stats.StructMembers++
		return nil
	}

	found := false
	sel := tx.Cursor(s.selectMember)
	sel.BindAt("owner", int64(row.Owner))
	sel.BindAt("name", row.Name)
	sel.BindAt("offset", int64(row.ByteOffset))
	err = sel.Run(func(view storage.RowView) bool {
		fetchErr = view.Fetch("id", &row.ID)
		found = true
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to look up member %q: %w", row.Name, err)
	}
	if fetchErr != nil {
		return fetchErr
	}
	if !found {
		return fmt.Errorf("member %q conflicted but has no existing row", row.Name)
	}
	s.stats.DupMembers++
	return nil
}

func (s *LayoutScraper) insertMemberBounds(tx *storage.Tx, row *MemberBoundsRow) error {
	cursor := tx.Cursor(s.insertBounds)
	cursor.BindAt("owner", int64(row.Owner))
	cursor.BindAt("member", int64(row.Member))
	cursor.BindAt("offset", int64(row.Offset))
	cursor.BindAt("name", row.Name)
	cursor.BindAt("base", int64(row.Base))
	cursor.BindAt("top", int64(row.Top))
	cursor.BindAt("is_imprecise", row.IsImprecise)
	cursor.BindAt("precision", int64(row.RequiredPrecision))
	if err := cursor.Run(); err != nil {
		return fmt.Errorf("failed to insert bounds for %q: %w", row.Name, err)
	}
	s.stats.BoundsRows++
	s.log.WithField("path", row.Name).
		Tracef("Record member bounds base=%#x off=%#x top=%#x p=%d",
			row.Base, row.Offset, row.Top, row.RequiredPrecision)
	return nil
}
