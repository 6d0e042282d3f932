package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// factSetJSON is the wire form of a FactSet.
type factSetJSON struct {
	Subject    Subject         `json:"subject"`
	Revision   int64           `json:"revision,omitempty"`
	Properties []propertyJSON  `json:"properties"`
	Subobjects []subobjectJSON `json:"subobjects,omitempty"`
}

type propertyJSON struct {
	Property string      `json:"property"`
	Values   []ValueJSON `json:"values"`
}

type subobjectJSON struct {
	Name       string         `json:"name"`
	Properties []propertyJSON `json:"properties"`
}

// ValueJSON is the wire form of a DataItem: a type tag plus a raw value.
type ValueJSON struct {
	Type  DIType          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the fact-set, subobjects included.
func (f *FactSet) MarshalJSON() ([]byte, error) {
	out := factSetJSON{Subject: f.Subject, Revision: f.Revision}
	props, err := encodeProperties(f, true)
	if err != nil {
		return nil, err
	}
	out.Properties = props
	for _, sub := range f.Subobjects() {
		subProps, err := encodeProperties(sub, false)
		if err != nil {
			return nil, err
		}
		out.Subobjects = append(out.Subobjects, subobjectJSON{
			Name:       sub.Subject.Subobject,
			Properties: subProps,
		})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a fact-set. Subobjects are attached through
// AddSubobject, which also records their _SOBJ values.
func (f *FactSet) UnmarshalJSON(data []byte) error {
	var in factSetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	in.Subject.Title = NormalizeTitle(in.Subject.Title)
	*f = *NewFactSet(in.Subject)
	f.Revision = in.Revision
	if err := decodeProperties(f, in.Properties); err != nil {
		return err
	}
	for _, sub := range in.Subobjects {
		if sub.Name == "" {
			return fmt.Errorf("subobject name is empty")
		}
		child := NewFactSet(Subject{})
		if err := decodeProperties(child, sub.Properties); err != nil {
			return fmt.Errorf("subobject %q: %w", sub.Name, err)
		}
		f.AddSubobject(sub.Name, child)
	}
	return nil
}

// encodeProperties skips the _SOBJ values of the parent when subobjects
// are serialized separately, so a round trip does not duplicate them.
func encodeProperties(f *FactSet, skipSubobjectLinks bool) ([]propertyJSON, error) {
	var out []propertyJSON
	for _, p := range f.Properties() {
		if skipSubobjectLinks && p.Key == PropHasSubobject && len(f.subOrder) > 0 {
			continue
		}
		pj := propertyJSON{Property: p.Key}
		for _, v := range f.Values(p) {
			vj, err := EncodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", p.Key, err)
			}
			pj.Values = append(pj.Values, vj)
		}
		out = append(out, pj)
	}
	return out, nil
}

func decodeProperties(f *FactSet, props []propertyJSON) error {
	for _, pj := range props {
		if pj.Property == "" {
			return fmt.Errorf("property key is empty")
		}
		p := NewProperty(pj.Property)
		for i, vj := range pj.Values {
			v, err := DecodeValue(vj)
			if err != nil {
				return fmt.Errorf("property %s value %d: %w", p.Key, i, err)
			}
			f.AddValue(p, v)
		}
	}
	return nil
}

// EncodeValue converts a DataItem to its wire form.
func EncodeValue(v DataItem) (ValueJSON, error) {
	var raw any
	switch item := v.(type) {
	case Subject:
		raw = item
	case Blob:
		raw = item.Text
	case URI:
		raw = item.URI
	case Number:
		raw = item.Value
	case Boolean:
		raw = item.Value
	case Time:
		raw = item.Value.UTC().Format(time.RFC3339Nano)
	case Concept:
		raw = item
	default:
		return ValueJSON{}, fmt.Errorf("unsupported data item %T", v)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return ValueJSON{}, err
	}
	return ValueJSON{Type: v.DIType(), Value: b}, nil
}

// DecodeValue converts a wire value to a DataItem.
func DecodeValue(vj ValueJSON) (DataItem, error) {
	switch vj.Type {
	case TypeWikiPage:
		var s Subject
		if err := json.Unmarshal(vj.Value, &s); err != nil {
			return nil, err
		}
		s.Title = NormalizeTitle(s.Title)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return s, nil
	case TypeBlob:
		var text string
		if err := json.Unmarshal(vj.Value, &text); err != nil {
			return nil, err
		}
		return Blob{Text: text}, nil
	case TypeURI:
		var uri string
		if err := json.Unmarshal(vj.Value, &uri); err != nil {
			return nil, err
		}
		return URI{URI: uri}, nil
	case TypeNumber:
		var n float64
		if err := json.Unmarshal(vj.Value, &n); err != nil {
			return nil, err
		}
		return Number{Value: n}, nil
	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(vj.Value, &b); err != nil {
			return nil, err
		}
		return Boolean{Value: b}, nil
	case TypeTime:
		var s string
		if err := json.Unmarshal(vj.Value, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("invalid time %q: %w", s, err)
		}
		return Time{Value: t.UTC()}, nil
	case TypeConcept:
		var c Concept
		if err := json.Unmarshal(vj.Value, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", vj.Type)
	}
}
