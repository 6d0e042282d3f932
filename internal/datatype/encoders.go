package datatype

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/hyperengineering/factstore/internal/types"
)

// MaxIndexedLength is the longest text kept verbatim in an indexed column.
// Longer text is stored in a blob column and indexed by a digest form.
const MaxIndexedLength = 255

// unixEpochJD is the Julian day number of 1970-01-01T00:00:00Z.
const unixEpochJD = 2440587.5

// PageEncoder stores wiki page values as object identifiers.
type PageEncoder struct{}

func (PageEncoder) Type() types.DIType { return types.TypeWikiPage }

func (PageEncoder) Fields() []Field {
	return []Field{{Name: "o_id", Kind: KindID}}
}

func (PageEncoder) Encode(ctx context.Context, r IDResolver, v types.DataItem) (map[string]any, error) {
	page, ok := v.(types.Subject)
	if !ok {
		return nil, fmt.Errorf("encode %s as wikipage: %w", v.DIType(), ErrTypeMismatch)
	}
	id, err := r.PageID(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrResolve, page, err)
	}
	return map[string]any{"o_id": id}, nil
}

func (PageEncoder) Decode(ctx context.Context, r IDResolver, values map[string]any) (types.DataItem, error) {
	id, ok := values["o_id"].(int64)
	if !ok {
		return nil, fmt.Errorf("decode wikipage o_id: %w", ErrMissingValue)
	}
	return r.PageByID(ctx, id)
}

// BlobEncoder stores text. Short text lives in o_hash; long text is kept in
// o_blob and o_hash carries a truncated prefix plus an MD5 digest.
type BlobEncoder struct{}

func (BlobEncoder) Type() types.DIType { return types.TypeBlob }

func (BlobEncoder) Fields() []Field {
	return []Field{
		{Name: "o_blob", Kind: KindNullText},
		{Name: "o_hash", Kind: KindText},
	}
}

func (BlobEncoder) Encode(_ context.Context, _ IDResolver, v types.DataItem) (map[string]any, error) {
	b, ok := v.(types.Blob)
	if !ok {
		return nil, fmt.Errorf("encode %s as blob: %w", v.DIType(), ErrTypeMismatch)
	}
	if len(b.Text) <= MaxIndexedLength {
		return map[string]any{"o_blob": nil, "o_hash": b.Text}, nil
	}
	return map[string]any{"o_blob": b.Text, "o_hash": TextHash(b.Text)}, nil
}

func (BlobEncoder) Decode(_ context.Context, _ IDResolver, values map[string]any) (types.DataItem, error) {
	if text, ok := values["o_blob"].(string); ok {
		return types.Blob{Text: text}, nil
	}
	text, ok := values["o_hash"].(string)
	if !ok {
		return nil, fmt.Errorf("decode blob o_hash: %w", ErrMissingValue)
	}
	return types.Blob{Text: text}, nil
}

// URIEncoder stores URIs with the same long-value split as BlobEncoder.
type URIEncoder struct{}

func (URIEncoder) Type() types.DIType { return types.TypeURI }

func (URIEncoder) Fields() []Field {
	return []Field{
		{Name: "o_serialized", Kind: KindText},
		{Name: "o_blob", Kind: KindNullText},
	}
}

func (URIEncoder) Encode(_ context.Context, _ IDResolver, v types.DataItem) (map[string]any, error) {
	u, ok := v.(types.URI)
	if !ok {
		return nil, fmt.Errorf("encode %s as uri: %w", v.DIType(), ErrTypeMismatch)
	}
	if len(u.URI) <= MaxIndexedLength {
		return map[string]any{"o_serialized": u.URI, "o_blob": nil}, nil
	}
	return map[string]any{"o_serialized": truncate(u.URI, MaxIndexedLength), "o_blob": u.URI}, nil
}

func (URIEncoder) Decode(_ context.Context, _ IDResolver, values map[string]any) (types.DataItem, error) {
	if full, ok := values["o_blob"].(string); ok {
		return types.URI{URI: full}, nil
	}
	s, ok := values["o_serialized"].(string)
	if !ok {
		return nil, fmt.Errorf("decode uri o_serialized: %w", ErrMissingValue)
	}
	return types.URI{URI: s}, nil
}

// NumberEncoder stores the exact serialization and a sortable float.
type NumberEncoder struct{}

func (NumberEncoder) Type() types.DIType { return types.TypeNumber }

func (NumberEncoder) Fields() []Field {
	return []Field{
		{Name: "o_serialized", Kind: KindText},
		{Name: "o_sortkey", Kind: KindFloat},
	}
}

func (NumberEncoder) Encode(_ context.Context, _ IDResolver, v types.DataItem) (map[string]any, error) {
	n, ok := v.(types.Number)
	if !ok {
		return nil, fmt.Errorf("encode %s as number: %w", v.DIType(), ErrTypeMismatch)
	}
	if math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
		return nil, fmt.Errorf("encode number: %v is not finite", n.Value)
	}
	return map[string]any{
		"o_serialized": strconv.FormatFloat(n.Value, 'g', -1, 64),
		"o_sortkey":    n.Value,
	}, nil
}

func (NumberEncoder) Decode(_ context.Context, _ IDResolver, values map[string]any) (types.DataItem, error) {
	s, ok := values["o_serialized"].(string)
	if !ok {
		return nil, fmt.Errorf("decode number o_serialized: %w", ErrMissingValue)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("decode number %q: %w", s, err)
	}
	return types.Number{Value: f}, nil
}

// BooleanEncoder stores 1 or 0.
type BooleanEncoder struct{}

func (BooleanEncoder) Type() types.DIType { return types.TypeBoolean }

func (BooleanEncoder) Fields() []Field {
	return []Field{{Name: "o_value", Kind: KindInt}}
}

func (BooleanEncoder) Encode(_ context.Context, _ IDResolver, v types.DataItem) (map[string]any, error) {
	b, ok := v.(types.Boolean)
	if !ok {
		return nil, fmt.Errorf("encode %s as boolean: %w", v.DIType(), ErrTypeMismatch)
	}
	var value int64
	if b.Value {
		value = 1
	}
	return map[string]any{"o_value": value}, nil
}

func (BooleanEncoder) Decode(_ context.Context, _ IDResolver, values map[string]any) (types.DataItem, error) {
	v, ok := values["o_value"].(int64)
	if !ok {
		return nil, fmt.Errorf("decode boolean o_value: %w", ErrMissingValue)
	}
	return types.Boolean{Value: v != 0}, nil
}

// TimeEncoder stores an RFC 3339 serialization and the Julian day as sort key.
type TimeEncoder struct{}

func (TimeEncoder) Type() types.DIType { return types.TypeTime }

func (TimeEncoder) Fields() []Field {
	return []Field{
		{Name: "o_serialized", Kind: KindText},
		{Name: "o_sortkey", Kind: KindFloat},
	}
}

func (TimeEncoder) Encode(_ context.Context, _ IDResolver, v types.DataItem) (map[string]any, error) {
	t, ok := v.(types.Time)
	if !ok {
		return nil, fmt.Errorf("encode %s as time: %w", v.DIType(), ErrTypeMismatch)
	}
	return map[string]any{
		"o_serialized": t.Value.UTC().Format(time.RFC3339Nano),
		"o_sortkey":    JulianDay(t.Value),
	}, nil
}

func (TimeEncoder) Decode(_ context.Context, _ IDResolver, values map[string]any) (types.DataItem, error) {
	s, ok := values["o_serialized"].(string)
	if !ok {
		return nil, fmt.Errorf("decode time o_serialized: %w", ErrMissingValue)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("decode time %q: %w", s, err)
	}
	return types.Time{Value: t.UTC()}, nil
}

// ConceptEncoder stores a concept description. The evaluation cache columns
// belong to the concept table, not to the value, and are filled by the row
// mapper.
type ConceptEncoder struct{}

func (ConceptEncoder) Type() types.DIType { return types.TypeConcept }

func (ConceptEncoder) Fields() []Field {
	return []Field{
		{Name: "concept_txt", Kind: KindText},
		{Name: "concept_docu", Kind: KindText},
		{Name: "concept_features", Kind: KindInt},
		{Name: "concept_size", Kind: KindInt},
		{Name: "concept_depth", Kind: KindInt},
	}
}

func (ConceptEncoder) Encode(_ context.Context, _ IDResolver, v types.DataItem) (map[string]any, error) {
	c, ok := v.(types.Concept)
	if !ok {
		return nil, fmt.Errorf("encode %s as concept: %w", v.DIType(), ErrTypeMismatch)
	}
	return map[string]any{
		"concept_txt":      c.Text,
		"concept_docu":     c.Docu,
		"concept_features": int64(c.Features),
		"concept_size":     int64(c.Size),
		"concept_depth":    int64(c.Depth),
	}, nil
}

func (ConceptEncoder) Decode(_ context.Context, _ IDResolver, values map[string]any) (types.DataItem, error) {
	text, ok := values["concept_txt"].(string)
	if !ok {
		return nil, fmt.Errorf("decode concept concept_txt: %w", ErrMissingValue)
	}
	docu, _ := values["concept_docu"].(string)
	features, _ := values["concept_features"].(int64)
	size, _ := values["concept_size"].(int64)
	depth, _ := values["concept_depth"].(int64)
	return types.Concept{
		Text:     text,
		Docu:     docu,
		Features: int(features),
		Size:     int(size),
		Depth:    int(depth),
	}, nil
}

// TextHash returns the indexed form of a long text: a prefix followed by the
// hex MD5 digest of the full text, MaxIndexedLength bytes at most.
func TextHash(text string) string {
	sum := md5.Sum([]byte(text))
	digest := hex.EncodeToString(sum[:])
	return truncate(text, MaxIndexedLength-len(digest)) + digest
}

// JulianDay converts t to a fractional Julian day number.
func JulianDay(t time.Time) float64 {
	t = t.UTC()
	return float64(t.Unix())/86400 + float64(t.Nanosecond())/86400e9 + unixEpochJD
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
