package dwarfsrc

import (
	"debug/dwarf"
	"fmt"
	"strings"
)

// maxTypeDepth bounds recursion through pointee, element and parameter
// types so malformed reference cycles cannot run away.
const maxTypeDepth = 64

// TypeInfo is the canonical description of a member's type after walking
// its reference chain.
type TypeInfo struct {
	// TypeName is the printed source type, qualifier and pointer
	// decorated (e.g. "const int *").
	TypeName string
	// ByteSize of one value of this type. Zero for flexible arrays and
	// opaque records.
	ByteSize uint64
	// Flags classify the chain that was walked.
	Flags TypeFlags
	// ArrayItems is the element count for fixed arrays; nil marks a
	// flexible or variable-length array.
	ArrayItems *uint64
	// BaseDIE points at the record DIE when the type resolves to a
	// struct, union or class, so the caller can recurse into it.
	BaseDIE *DIE
}

// Resolver derives TypeInfo from member type references.
type Resolver struct {
	stripPrefix string
}

// NewResolver returns a resolver. stripPrefix is used when synthesizing
// names for anonymous records, so they match the record rows.
func NewResolver(stripPrefix string) *Resolver {
	return &Resolver{stripPrefix: stripPrefix}
}

// TypeInfo walks the DW_AT_type chain starting at die. A nil die denotes
// the C void type.
func (r *Resolver) TypeInfo(die *DIE) (TypeInfo, error) {
	return r.resolve(die, 0)
}

func (r *Resolver) resolve(die *DIE, depth int) (TypeInfo, error) {
	var info TypeInfo
	if depth > maxTypeDepth {
		return info, fmt.Errorf("type reference chain deeper than %d", maxTypeDepth)
	}
	if die == nil {
		info.TypeName = "void"
		return info, nil
	}

	visited := make(map[dwarf.Offset]bool)
	var quals []string
	typedefName := ""
	core := ""
	cur := die

chain:
	for cur != nil {
		if visited[cur.Offset()] {
			return info, fmt.Errorf("type reference cycle at DIE %#x", cur.Offset())
		}
		visited[cur.Offset()] = true

		switch cur.Tag() {
		case dwarf.TagTypedef:
			info.Flags |= FlagTypedef
			if typedefName == "" {
				if name, ok := cur.Name(); ok {
					typedefName = name
				}
			}
			next, err := cur.TypeRef()
			if err != nil {
				return info, err
			}
			cur = next

		case dwarf.TagConstType:
			info.Flags |= FlagConst
			quals = append(quals, "const")
			next, err := cur.TypeRef()
			if err != nil {
				return info, err
			}
			cur = next

		case dwarf.TagVolatileType:
			info.Flags |= FlagVolatile
			quals = append(quals, "volatile")
			next, err := cur.TypeRef()
			if err != nil {
				return info, err
			}
			cur = next

		case dwarf.TagRestrictType:
			next, err := cur.TypeRef()
			if err != nil {
				return info, err
			}
			cur = next

		case dwarf.TagPointerType, dwarf.TagReferenceType:
			info.Flags |= FlagPtr
			if size, ok := cur.Uint(dwarf.AttrByteSize); ok {
				info.ByteSize = size
			} else {
				info.ByteSize = uint64(cur.AddrSize())
			}
			pointee, err := cur.TypeRef()
			if err != nil {
				return info, err
			}
			target, err := peelQualifiers(pointee)
			if err != nil {
				return info, err
			}
			if target != nil && target.Tag() == dwarf.TagSubroutineType {
				info.Flags |= FlagFnPtr
				name, err := r.signature(target, depth+1)
				if err != nil {
					return info, err
				}
				info.TypeName = name
			} else {
				pointeeInfo, err := r.resolve(pointee, depth+1)
				if err != nil {
					return info, err
				}
				info.TypeName = pointeeInfo.TypeName + " *"
			}
			if len(quals) > 0 {
				info.TypeName += strings.Join(quals, " ")
			}
			return info, nil

		case dwarf.TagSubroutineType:
			name, err := r.signature(cur, depth+1)
			if err != nil {
				return info, err
			}
			core = name
			break chain

		case dwarf.TagArrayType:
			info.Flags |= FlagArray
			count, haveCount, err := arrayItemCount(cur)
			if err != nil {
				return info, err
			}
			elemDie, err := cur.TypeRef()
			if err != nil {
				return info, err
			}
			elem, err := r.resolve(elemDie, depth+1)
			if err != nil {
				return info, err
			}
			if haveCount {
				c := count
				info.ArrayItems = &c
				info.ByteSize = count * elem.ByteSize
			}
			if size, ok := cur.Uint(dwarf.AttrByteSize); ok {
				info.ByteSize = size
			}
			if elem.Flags.IsRecord() {
				info.Flags |= elem.Flags.RecordOnly()
				info.BaseDIE = elem.BaseDIE
			}
			if haveCount {
				core = fmt.Sprintf("%s[%d]", elem.TypeName, count)
			} else {
				core = elem.TypeName + "[]"
			}
			break chain

		case dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagClassType:
			switch cur.Tag() {
			case dwarf.TagStructType:
				info.Flags |= FlagStruct
			case dwarf.TagUnionType:
				info.Flags |= FlagUnion
			case dwarf.TagClassType:
				info.Flags |= FlagClass
			}
			info.BaseDIE = cur
			if size, ok := cur.Uint(dwarf.AttrByteSize); ok {
				info.ByteSize = size
			}
			if name, ok := cur.Name(); ok {
				core = name
			} else {
				info.Flags |= FlagAnonymous
				core = AnonymousName(cur, r.stripPrefix)
			}
			break chain

		case dwarf.TagBaseType, dwarf.TagEnumerationType:
			if size, ok := cur.Uint(dwarf.AttrByteSize); ok {
				info.ByteSize = size
			}
			if name, ok := cur.Name(); ok {
				core = name
			}
			break chain

		default:
			next, err := cur.TypeRef()
			if err != nil {
				return info, err
			}
			if next == nil {
				if name, ok := cur.Name(); ok {
					core = name
				}
				break chain
			}
			cur = next
		}
	}

	if core == "" {
		core = "void"
	}
	name := core
	if typedefName != "" {
		name = typedefName
	}
	if len(quals) > 0 {
		name = strings.Join(quals, " ") + " " + name
	}
	info.TypeName = name
	return info, nil
}

// peelQualifiers skips typedef and qualifier entries without touching the
// rest of the chain.
func peelQualifiers(die *DIE) (*DIE, error) {
	for i := 0; die != nil && i <= maxTypeDepth; i++ {
		switch die.Tag() {
		case dwarf.TagTypedef, dwarf.TagConstType, dwarf.TagVolatileType, dwarf.TagRestrictType:
			next, err := die.TypeRef()
			if err != nil {
				return nil, err
			}
			die = next
		default:
			return die, nil
		}
	}
	return die, nil
}

// signature renders a subroutine type as "ret (*)(params)".
func (r *Resolver) signature(sub *DIE, depth int) (string, error) {
	returnName := "void"
	if ret, err := sub.TypeRef(); err != nil {
		return "", err
	} else if ret != nil {
		info, err := r.resolve(ret, depth+1)
		if err != nil {
			return "", err
		}
		returnName = info.TypeName
	}

	var params []string
	for _, child := range sub.Children() {
		switch child.Tag() {
		case dwarf.TagFormalParameter:
			paramDie, err := child.TypeRef()
			if err != nil {
				return "", err
			}
			info, err := r.resolve(paramDie, depth+1)
			if err != nil {
				return "", err
			}
			params = append(params, info.TypeName)
		case dwarf.TagUnspecifiedParameters:
			params = append(params, "...")
		}
	}
	return fmt.Sprintf("%s (*)(%s)", returnName, strings.Join(params, ", ")), nil
}

// arrayItemCount derives the element count from an array's subrange
// children. Arrays without a resolvable count are flexible or variable
// length. Multi-dimensional arrays multiply their dimensions.
func arrayItemCount(array *DIE) (uint64, bool, error) {
	total := uint64(1)
	haveAny := false
	for _, child := range array.Children() {
		if child.Tag() != dwarf.TagSubrangeType {
			continue
		}
		if count, ok := child.Uint(dwarf.AttrCount); ok {
			total *= count
			haveAny = true
			continue
		}
		upperField := child.entry.AttrField(dwarf.AttrUpperBound)
		if upperField == nil {
			return 0, false, nil
		}
		upper, ok := upperField.Val.(int64)
		if !ok {
			// Dynamic bound (a DIE reference): treat as variable length.
			return 0, false, nil
		}
		lower := int64(0)
		if l, ok := child.Uint(dwarf.AttrLowerBound); ok {
			lower = int64(l)
		}
		n := upper - lower + 1
		if n < 0 {
			return 0, false, fmt.Errorf("malformed subrange bounds [%d, %d]", lower, upper)
		}
		total *= uint64(n)
		haveAny = true
	}
	if !haveAny {
		return 0, false, nil
	}
	return total, true, nil
}

// AnonymousName synthesizes a stable name for a record with no
// DW_AT_name, from its declaration coordinates.
func AnonymousName(die *DIE, stripPrefix string) string {
	file := StripPrefix(die.DeclFile(), stripPrefix)
	return fmt.Sprintf("<anon>@%s:%d:%#x", file, die.DeclLine(), die.Offset())
}
