package dwarfsrc

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheri-lab/dwarfscan/internal/cheri"
)

func syntheticUnit(t *testing.T) (*SyntheticSource, *Unit) {
	t.Helper()
	src := NewSyntheticSource("test.elf", cheri.ArchMorello)
	unit := src.AddUnit("fixture.c", "/src/fixture.c")
	return src, unit
}

func addBaseType(src *SyntheticSource, unit *Unit, name string, size int64) *DIE {
	return src.AddDIE(unit.Root(), dwarf.TagBaseType,
		F(dwarf.AttrName, name),
		F(dwarf.AttrByteSize, size))
}

func TestTypeInfoBaseType(t *testing.T) {
	src, unit := syntheticUnit(t)
	intDie := addBaseType(src, unit, "int", 4)

	info, err := NewResolver("").TypeInfo(intDie)
	require.NoError(t, err)
	assert.Equal(t, "int", info.TypeName)
	assert.Equal(t, uint64(4), info.ByteSize)
	assert.Zero(t, info.Flags)
	assert.Nil(t, info.ArrayItems)
}

func TestTypeInfoVoid(t *testing.T) {
	info, err := NewResolver("").TypeInfo(nil)
	require.NoError(t, err)
	assert.Equal(t, "void", info.TypeName)
	assert.Zero(t, info.ByteSize)
}

func TestTypeInfoTypedefAndQualifiers(t *testing.T) {
	src, unit := syntheticUnit(t)
	intDie := addBaseType(src, unit, "int", 4)
	typedef := src.AddDIE(unit.Root(), dwarf.TagTypedef,
		F(dwarf.AttrName, "myint"), Ref(intDie))
	constDie := src.AddDIE(unit.Root(), dwarf.TagConstType, Ref(typedef))

	info, err := NewResolver("").TypeInfo(constDie)
	require.NoError(t, err)
	assert.Equal(t, "const myint", info.TypeName)
	assert.Equal(t, uint64(4), info.ByteSize)
	assert.True(t, info.Flags&FlagTypedef != 0)
	assert.True(t, info.Flags&FlagConst != 0)
}

func TestTypeInfoPointer(t *testing.T) {
	src, unit := syntheticUnit(t)
	intDie := addBaseType(src, unit, "int", 4)
	constInt := src.AddDIE(unit.Root(), dwarf.TagConstType, Ref(intDie))
	ptr := src.AddDIE(unit.Root(), dwarf.TagPointerType,
		F(dwarf.AttrByteSize, int64(16)), Ref(constInt))

	info, err := NewResolver("").TypeInfo(ptr)
	require.NoError(t, err)
	assert.Equal(t, "const int *", info.TypeName)
	assert.Equal(t, uint64(16), info.ByteSize)
	assert.True(t, info.Flags&FlagPtr != 0)
	assert.False(t, info.Flags&FlagConst != 0, "pointee qualifier stays on the pointee")
}

func TestTypeInfoPointerDefaultsToAddressSize(t *testing.T) {
	src, unit := syntheticUnit(t)
	intDie := addBaseType(src, unit, "int", 4)
	ptr := src.AddDIE(unit.Root(), dwarf.TagPointerType, Ref(intDie))

	info, err := NewResolver("").TypeInfo(ptr)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), info.ByteSize)
}

func TestTypeInfoFunctionPointer(t *testing.T) {
	src, unit := syntheticUnit(t)
	intDie := addBaseType(src, unit, "int", 4)
	charDie := addBaseType(src, unit, "char", 1)
	sub := src.AddDIE(unit.Root(), dwarf.TagSubroutineType, Ref(intDie))
	src.AddDIE(sub, dwarf.TagFormalParameter, Ref(charDie))
	src.AddDIE(sub, dwarf.TagUnspecifiedParameters)
	ptr := src.AddDIE(unit.Root(), dwarf.TagPointerType,
		F(dwarf.AttrByteSize, int64(8)), Ref(sub))

	info, err := NewResolver("").TypeInfo(ptr)
	require.NoError(t, err)
	assert.Equal(t, "int (*)(char, ...)", info.TypeName)
	assert.True(t, info.Flags&FlagPtr != 0)
	assert.True(t, info.Flags&FlagFnPtr != 0)
}

func TestTypeInfoFixedArray(t *testing.T) {
	src, unit := syntheticUnit(t)
	charDie := addBaseType(src, unit, "char", 1)
	array := src.AddDIE(unit.Root(), dwarf.TagArrayType, Ref(charDie))
	src.AddDIE(array, dwarf.TagSubrangeType, F(dwarf.AttrCount, int64(16)))

	info, err := NewResolver("").TypeInfo(array)
	require.NoError(t, err)
	assert.Equal(t, "char[16]", info.TypeName)
	assert.Equal(t, uint64(16), info.ByteSize)
	require.NotNil(t, info.ArrayItems)
	assert.Equal(t, uint64(16), *info.ArrayItems)
	assert.True(t, info.Flags&FlagArray != 0)
}

func TestTypeInfoArrayFromUpperBound(t *testing.T) {
	src, unit := syntheticUnit(t)
	intDie := addBaseType(src, unit, "int", 4)
	array := src.AddDIE(unit.Root(), dwarf.TagArrayType, Ref(intDie))
	src.AddDIE(array, dwarf.TagSubrangeType, F(dwarf.AttrUpperBound, int64(9)))

	info, err := NewResolver("").TypeInfo(array)
	require.NoError(t, err)
	require.NotNil(t, info.ArrayItems)
	assert.Equal(t, uint64(10), *info.ArrayItems)
	assert.Equal(t, uint64(40), info.ByteSize)
}

func TestTypeInfoFlexibleArray(t *testing.T) {
	src, unit := syntheticUnit(t)
	intDie := addBaseType(src, unit, "int", 4)
	array := src.AddDIE(unit.Root(), dwarf.TagArrayType, Ref(intDie))
	src.AddDIE(array, dwarf.TagSubrangeType)

	info, err := NewResolver("").TypeInfo(array)
	require.NoError(t, err)
	assert.Nil(t, info.ArrayItems)
	assert.Zero(t, info.ByteSize)
	assert.Equal(t, "int[]", info.TypeName)
	assert.True(t, info.Flags&FlagArray != 0)
}

func TestTypeInfoRecord(t *testing.T) {
	src, unit := syntheticUnit(t)
	record := src.AddDIE(unit.Root(), dwarf.TagStructType,
		F(dwarf.AttrName, "point"),
		F(dwarf.AttrByteSize, int64(8)),
		F(dwarf.AttrDeclFile, int64(1)),
		F(dwarf.AttrDeclLine, int64(3)))

	info, err := NewResolver("").TypeInfo(record)
	require.NoError(t, err)
	assert.Equal(t, "point", info.TypeName)
	assert.Equal(t, uint64(8), info.ByteSize)
	assert.True(t, info.Flags&FlagStruct != 0)
	assert.Same(t, record, info.BaseDIE)
}

func TestTypeInfoAnonymousRecord(t *testing.T) {
	src, unit := syntheticUnit(t)
	record := src.AddDIE(unit.Root(), dwarf.TagUnionType,
		F(dwarf.AttrByteSize, int64(8)),
		F(dwarf.AttrDeclFile, int64(1)),
		F(dwarf.AttrDeclLine, int64(7)))

	info, err := NewResolver("/src").TypeInfo(record)
	require.NoError(t, err)
	assert.True(t, info.Flags&FlagUnion != 0)
	assert.True(t, info.Flags&FlagAnonymous != 0)
	assert.Contains(t, info.TypeName, "<anon>@fixture.c:7:")
}

func TestTypeInfoCycleDetected(t *testing.T) {
	src, unit := syntheticUnit(t)
	a := src.AddDIE(unit.Root(), dwarf.TagTypedef, F(dwarf.AttrName, "a"))
	b := src.AddDIE(unit.Root(), dwarf.TagTypedef, F(dwarf.AttrName, "b"), Ref(a))
	a.entry.Field = append(a.entry.Field, Ref(b))

	_, err := NewResolver("").TypeInfo(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
