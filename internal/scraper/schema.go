package scraper

import (
	"fmt"

	"github.com/cheri-lab/dwarfscan/internal/logging"
)

// Structures, unions and classes are collected here. Two records are the
// same when they share name, declaration file and line.
const createStructTypeTable = `
CREATE TABLE IF NOT EXISTS struct_type (
    id INTEGER NOT NULL PRIMARY KEY,
    -- File where the record is defined
    file TEXT NOT NULL,
    -- Line where the record is defined
    line INTEGER NOT NULL,
    -- Name of the type; anonymous records get a synthetic name
    name TEXT,
    -- Size of the record including trailing padding
    size INTEGER NOT NULL,
    -- Flags marking whether this is a struct/union/class
    flags INTEGER DEFAULT 0 NOT NULL,
    -- Set when the layout contains at least one field that is not
    -- precisely representable by a sub-object capability
    has_imprecise BOOLEAN DEFAULT 0,
    UNIQUE(name, file, line)
)
`

// One row per field. Members of aggregate type also reference the record
// row describing their own layout through the nested column.
const createStructMemberTable = `
CREATE TABLE IF NOT EXISTS struct_member (
    id INTEGER NOT NULL PRIMARY KEY,
    -- Owning record
    owner INTEGER NOT NULL,
    -- Optional record row for aggregate members
    nested INTEGER,
    -- Member name, anonymous members have synthetic names
    name TEXT NOT NULL,
    -- Printed type of the member; for a nested record referenced
    -- directly (no typedef, qualifier or array) this matches
    -- struct_type.name
    type_name TEXT NOT NULL,
    -- Line where the member is declared
    line INTEGER NOT NULL,
    -- Size in bytes, may include internal padding
    size INTEGER NOT NULL,
    -- Width in bits, only set for bit-fields
    bit_size INTEGER,
    -- Offset in bytes from the start of the owner
    offset INTEGER NOT NULL,
    -- Bit remainder of the offset, only valid for bit-fields
    bit_offset INTEGER,
    -- Type flags
    flags INTEGER DEFAULT 0 NOT NULL,
    array_items INTEGER,
    FOREIGN KEY (owner) REFERENCES struct_type (id),
    FOREIGN KEY (nested) REFERENCES struct_type (id),
    UNIQUE(owner, name, offset),
    CHECK(owner != nested)
)
`

// Representable bounds for every flattened member path.
const createMemberBoundsTable = `
CREATE TABLE IF NOT EXISTS member_bounds (
    id INTEGER NOT NULL PRIMARY KEY,
    -- Top-level record containing this path
    owner INTEGER NOT NULL,
    -- Flattened path name
    name TEXT NOT NULL,
    -- Member entry this path terminates at
    member INTEGER NOT NULL,
    -- Cumulative offset from the start of owner
    offset INTEGER NOT NULL,
    -- Representable sub-object base
    base INTEGER NOT NULL,
    -- Representable sub-object top
    top INTEGER NOT NULL,
    -- Set when the member is not precisely representable
    is_imprecise BOOL DEFAULT 0,
    -- Number of mantissa bits required to represent the bounds exactly
    precision INTEGER,
    FOREIGN KEY (owner) REFERENCES struct_type (id),
    FOREIGN KEY (member) REFERENCES struct_member (id)
)
`

// Pairs of flattened members whose sub-object capabilities alias.
const createSubobjectAliasTable = `
CREATE TABLE IF NOT EXISTS subobject_alias (
    -- Member bounds whose sub-object capability aliases other members
    subobj INTEGER NOT NULL,
    -- Member bounds entry reachable from the subobj capability
    alias INTEGER NOT NULL,
    PRIMARY KEY (subobj, alias),
    FOREIGN KEY (subobj) REFERENCES member_bounds (id),
    FOREIGN KEY (alias) REFERENCES member_bounds (id)
)
`

// Combinations of member_bounds to check for sub-object aliasing. Pairs
// where one path contains the other (name prefix) describe legitimate
// sub-object containment and are filtered out.
const createAliasBoundsView = `
CREATE VIEW IF NOT EXISTS alias_bounds AS
WITH impl (
  owner, id, alias_id, name, alias_name, base, check_base, top, check_top
) AS (
  SELECT
    mb.owner,
    mb.id,
    alb.id AS alias_id,
    mb.name,
    alb.name AS alias_name,
    mb.base,
    alb.offset AS check_base,
    mb.top,
    (alb.offset + alm.size + IIF(alm.bit_size, 1, 0)) AS check_top
  FROM member_bounds alb
    JOIN struct_member alm ON alb.member = alm.id
    JOIN member_bounds mb ON mb.owner = alb.owner AND mb.id != alb.id
)
SELECT owner, id AS subobj_id, alias_id
FROM impl
WHERE
  MAX(check_base, base) < MIN(check_top, top) AND
  NOT (name LIKE alias_name || '%') AND
  NOT (alias_name LIKE name || '%')
`

// Flattened member projection joining each bounds row with the member it
// terminates at. is_vla marks flexible and variable-length arrays.
const createLayoutMemberView = `
CREATE VIEW IF NOT EXISTS layout_member AS
SELECT
  mb.id AS id,
  mb.owner AS owner,
  mb.name AS name,
  mb.offset AS offset,
  mb.base AS base,
  mb.top AS top,
  mb.is_imprecise AS is_imprecise,
  mb.precision AS precision,
  sm.type_name AS type_name,
  sm.size AS size,
  sm.array_items AS array_items,
  (CASE WHEN (sm.flags & 16) != 0 AND IFNULL(sm.array_items, 0) = 0
        THEN 1 ELSE 0 END) AS is_vla
FROM member_bounds mb
  JOIN struct_member sm ON mb.member = sm.id
`

// Record projection with a derived has_vla column. The flattened layout
// is used so variable-length arrays in nested members propagate to the
// containing type.
const createTypeLayoutView = `
CREATE VIEW IF NOT EXISTS type_layout AS
SELECT
  st.id AS id,
  st.name AS name,
  st.file AS file,
  st.line AS line,
  st.size AS size,
  st.flags AS flags,
  st.has_imprecise AS has_imprecise,
  EXISTS(
    SELECT 1 FROM layout_member lm
    WHERE lm.owner = st.id AND lm.is_vla
  ) AS has_vla
FROM struct_type st
`

// InitSchema creates the relational schema and compiles the statements
// the scraper binds while flushing. Safe to call from every job; all DDL
// is idempotent.
func (s *LayoutScraper) InitSchema() error {
	logging.L().WithField("job", s.Name()).Debug("Initialize struct layout schema")

	ddl := []struct {
		name string
		sql  string
	}{
		{"struct_type", createStructTypeTable},
		{"struct_member", createStructMemberTable},
		{"member_bounds", createMemberBoundsTable},
		{"subobject_alias", createSubobjectAliasTable},
		{"alias_bounds", createAliasBoundsView},
		{"layout_member", createLayoutMemberView},
		{"type_layout", createTypeLayoutView},
	}
	for _, stmt := range ddl {
		if err := s.sm.Execute(stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}

	var err error
	s.insertStruct, err = s.sm.Prepare(
		"INSERT INTO struct_type (id, file, line, name, size, flags) " +
			"VALUES(@id, @file, @line, @name, @size, @flags) " +
			"ON CONFLICT DO NOTHING RETURNING id")
	if err != nil {
		return fmt.Errorf("failed to prepare struct_type insert: %w", err)
	}
	s.selectStruct, err = s.sm.Prepare(
		"SELECT id FROM struct_type WHERE file = @file AND line = @line " +
			"AND name = @name")
	if err != nil {
		return fmt.Errorf("failed to prepare struct_type select: %w", err)
	}
	s.insertMember, err = s.sm.Prepare(
		"INSERT INTO struct_member (" +
			"  id, owner, nested, name, type_name, line, size, " +
			"  bit_size, offset, bit_offset, flags, array_items" +
			") VALUES(" +
			"  @id, @owner, @nested, @name, @type_name, @line, @size," +
			"  @bit_size, @offset, @bit_offset, @flags, @array_items) " +
			"ON CONFLICT DO NOTHING RETURNING id")
	if err != nil {
		return fmt.Errorf("failed to prepare struct_member insert: %w", err)
	}
	s.selectMember, err = s.sm.Prepare(
		"SELECT id FROM struct_member WHERE owner = @owner AND name = @name " +
			"AND offset = @offset")
	if err != nil {
		return fmt.Errorf("failed to prepare struct_member select: %w", err)
	}
	s.insertBounds, err = s.sm.Prepare(
		"INSERT INTO member_bounds (" +
			"  owner, member, offset, name, base, top, is_imprecise, precision) " +
			"VALUES(@owner, @member, @offset, @name, @base, @top, @is_imprecise," +
			"  @precision)")
	if err != nil {
		return fmt.Errorf("failed to prepare member_bounds insert: %w", err)
	}
	s.markImprecise, err = s.sm.Prepare(
		"UPDATE struct_type SET has_imprecise = 1 WHERE id = @id")
	if err != nil {
		return fmt.Errorf("failed to prepare has_imprecise update: %w", err)
	}
	s.findAliases, err = s.sm.Prepare(
		"INSERT INTO subobject_alias (subobj, alias)" +
			"  SELECT ab.subobj_id AS subobj, ab.alias_id AS alias" +
			"  FROM alias_bounds ab" +
			"  WHERE ab.owner = @owner")
	if err != nil {
		return fmt.Errorf("failed to prepare subobject_alias insert: %w", err)
	}
	return nil
}
