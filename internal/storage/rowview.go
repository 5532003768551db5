package storage

import (
	"fmt"
)

// RowView exposes one result row by column name. Views are only valid
// inside the RowConsumer invocation they are passed to.
type RowView struct {
	columns []string
	values  []any
}

// Columns returns the result column names in statement order.
func (r RowView) Columns() []string {
	return r.columns
}

// Fetch stores the named column into dest. Supported destinations are
// *uint64, *int64, *int, *string, *bool and their optional forms
// (**uint64, **string). A NULL column leaves a plain destination at its
// zero value and sets an optional destination to nil.
func (r RowView) Fetch(column string, dest any) error {
	idx := -1
	for i, name := range r.columns {
		if name == column {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no column %q in result row", column)
	}
	value := r.values[idx]

	switch d := dest.(type) {
	case *uint64:
		n, ok, err := asInt64(column, value)
		if err != nil {
			return err
		}
		if ok {
			*d = uint64(n)
		} else {
			*d = 0
		}
	case *int64:
		n, ok, err := asInt64(column, value)
		if err != nil {
			return err
		}
		if ok {
			*d = n
		} else {
			*d = 0
		}
	case *int:
		n, ok, err := asInt64(column, value)
		if err != nil {
			return err
		}
		if ok {
			*d = int(n)
		} else {
			*d = 0
		}
	case *bool:
		n, ok, err := asInt64(column, value)
		if err != nil {
			if b, isBool := value.(bool); isBool {
				*d = b
				return nil
			}
			return err
		}
		*d = ok && n != 0
	case *string:
		s, _, err := asString(column, value)
		if err != nil {
			return err
		}
		*d = s
	case **uint64:
		n, ok, err := asInt64(column, value)
		if err != nil {
			return err
		}
		if !ok {
			*d = nil
		} else {
			u := uint64(n)
			*d = &u
		}
	case **string:
		s, ok, err := asString(column, value)
		if err != nil {
			return err
		}
		if !ok {
			*d = nil
		} else {
			*d = &s
		}
	default:
		return fmt.Errorf("unsupported destination type %T for column %q", dest, column)
	}
	return nil
}

func asInt64(column string, value any) (int64, bool, error) {
	switch v := value.(type) {
	case nil:
		return 0, false, nil
	case int64:
		return v, true, nil
	case bool:
		if v {
			return 1, true, nil
		}
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("column %q holds %T, not an integer", column, value)
	}
}

func asString(column string, value any) (string, bool, error) {
	switch v := value.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case []byte:
		return string(v), true, nil
	default:
		return "", false, fmt.Errorf("column %q holds %T, not text", column, value)
	}
}
