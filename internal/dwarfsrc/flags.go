package dwarfsrc

// TypeFlags classifies a type or member. Record rows and member rows share
// the same bit assignments; each uses the subset that applies to it.
type TypeFlags uint32

const (
	FlagStruct TypeFlags = 1 << iota
	FlagUnion
	FlagClass
	FlagAnonymous
	FlagArray
	FlagPtr
	FlagFnPtr
	FlagTypedef
	FlagConst
	FlagVolatile
)

// recordMask selects the flags marking an aggregate record type.
const recordMask = FlagStruct | FlagUnion | FlagClass

// IsRecord reports whether the flags mark a struct, union or class.
func (f TypeFlags) IsRecord() bool {
	return f&recordMask != 0
}

// RecordOnly reduces the flags to the record-kind subset.
func (f TypeFlags) RecordOnly() TypeFlags {
	return f & recordMask
}
