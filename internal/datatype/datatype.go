// Package datatype encodes data items into property table columns and back.
// Encoders are selected by the data item's type tag through a Registry that
// is populated once at startup.
package datatype

import (
	"context"
	"errors"

	"github.com/hyperengineering/factstore/internal/types"
)

var (
	// ErrTypeMismatch indicates an encoder received a data item of another type.
	ErrTypeMismatch = errors.New("data item type mismatch")

	// ErrMissingValue indicates a stored row lacks a column the decoder needs.
	ErrMissingValue = errors.New("missing column value")

	// ErrResolve indicates the IDResolver failed. Unlike a bad value, this
	// is a storage failure and must not be skipped.
	ErrResolve = errors.New("resolve identifier")
)

// FieldKind describes how a column value is stored and scanned. Column values
// are always held in canonical form: int64 for KindID and KindInt, float64
// for KindFloat, string for KindText, and nil for NULL in the nullable kinds.
type FieldKind int

const (
	KindID FieldKind = iota
	KindInt
	KindNullInt
	KindFloat
	KindText
	KindNullText
)

// String returns the kind name used in log output.
func (k FieldKind) String() string {
	switch k {
	case KindID:
		return "id"
	case KindInt:
		return "int"
	case KindNullInt:
		return "int?"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindNullText:
		return "text?"
	}
	return "unknown"
}

// Nullable reports whether NULL is a legal value for the kind.
func (k FieldKind) Nullable() bool {
	return k == KindNullInt || k == KindNullText
}

// Field is one value column of a property table.
type Field struct {
	Name string
	Kind FieldKind
}

// IDResolver maps wiki pages to identifiers and back. Encoders for page
// values call it to fill id columns.
type IDResolver interface {
	// PageID returns the identifier of page, allocating one if needed.
	PageID(ctx context.Context, page types.Subject) (int64, error)

	// PageByID returns the subject stored for id.
	PageByID(ctx context.Context, id int64) (types.Subject, error)
}

// Encoder converts one data item type to and from column values.
type Encoder interface {
	// Type returns the data item type the encoder handles.
	Type() types.DIType

	// Fields lists the value columns in table order.
	Fields() []Field

	// Encode returns the column values for v keyed by field name.
	Encode(ctx context.Context, r IDResolver, v types.DataItem) (map[string]any, error)

	// Decode rebuilds a data item from column values.
	Decode(ctx context.Context, r IDResolver, values map[string]any) (types.DataItem, error)
}
