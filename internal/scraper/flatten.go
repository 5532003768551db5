package scraper

import (
	"errors"
	"fmt"

	"github.com/dominikbraun/graph"
)

// checkContainment verifies that the unit's nested-record references form
// a DAG before flattening recurses over them. Well-formed DWARF cannot
// express a containment cycle, so closing one is a structural error.
func (s *LayoutScraper) checkContainment(entryByID map[uint64]*structTypeEntry) error {
	g := graph.New(func(id uint64) uint64 { return id }, graph.Directed(), graph.PreventCycles())
	for id := range entryByID {
		if err := g.AddVertex(id); err != nil {
			return fmt.Errorf("failed to build containment graph: %w", err)
		}
	}
	for id, entry := range entryByID {
		for _, member := range entry.members {
			if member.Nested == nil {
				continue
			}
			err := g.AddEdge(id, *member.Nested)
			if errors.Is(err, graph.ErrEdgeCreatesCycle) {
				return fmt.Errorf("containment cycle through record %q (%d -> %d)",
					entry.data.Name, id, *member.Nested)
			}
			if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return fmt.Errorf("failed to record containment edge: %w", err)
			}
		}
	}
	return nil
}

// flattenEntry produces the fully-qualified member paths of entry with
// cumulative offsets and representable bounds. Nested aggregates are
// flattened once and their rows re-based into each containing layout,
// recomputing bounds at the cumulative offset. A member's own row is
// emitted after its nested expansion.
func (s *LayoutScraper) flattenEntry(entryByID map[uint64]*structTypeEntry, entry *structTypeEntry) {
	if len(entry.flattened) > 0 {
		return
	}
	encoder := s.src.Encoder()

	for _, member := range entry.members {
		row := MemberBoundsRow{
			Owner:     entry.data.ID,
			Member:    member.ID,
			Name:      entry.data.Name + "::" + member.Name,
			Offset:    member.ByteOffset,
			reqLength: member.requiredLength(),
		}
		base, length := encoder.RepresentableRange(row.Offset, row.reqLength)
		row.Base = base
		row.Top = base + length
		row.RequiredPrecision = encoder.RequiredPrecision(row.Offset, row.reqLength)
		row.IsImprecise = row.Offset != base || length != row.reqLength
		if row.IsImprecise {
			entry.data.HasImprecise = true
		}

		if member.Nested != nil {
			if nested, ok := entryByID[*member.Nested]; ok {
				s.flattenEntry(entryByID, nested)
				for _, flat := range nested.flattened {
					flat.Owner = entry.data.ID
					flat.Offset += member.ByteOffset
					flat.Name = row.Name + flat.Name[len(nested.data.Name):]
					flatBase, flatLength := encoder.RepresentableRange(flat.Offset, flat.reqLength)
					flat.Base = flatBase
					flat.Top = flatBase + flatLength
					flat.RequiredPrecision = encoder.RequiredPrecision(flat.Offset, flat.reqLength)
					flat.IsImprecise = flat.Offset != flatBase || flatLength != flat.reqLength
					if flat.IsImprecise {
						entry.data.HasImprecise = true
					}
					entry.flattened = append(entry.flattened, flat)
				}
			}
		}
		entry.flattened = append(entry.flattened, row)
	}
}
