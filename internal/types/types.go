package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Namespace constants used by the engine.
const (
	NSMain     = 0
	NSCategory = 14
	NSProperty = 102
	NSConcept  = 108
)

// DIType tags the kind of a data item. It selects the value encoder and,
// for user-defined properties, the physical table.
type DIType string

const (
	TypeWikiPage DIType = "wikipage"
	TypeBlob     DIType = "blob"
	TypeURI      DIType = "uri"
	TypeNumber   DIType = "number"
	TypeBoolean  DIType = "boolean"
	TypeTime     DIType = "time"
	TypeConcept  DIType = "concept"
)

// DataItem is a single typed value of a fact.
type DataItem interface {
	DIType() DIType
	String() string
}

// Subject names a logical entity: a page, or a subobject of a page.
type Subject struct {
	Title     string `json:"title"`
	Namespace int    `json:"namespace"`
	Interwiki string `json:"interwiki,omitempty"`
	Subobject string `json:"subobject,omitempty"`
}

// NewSubject returns a page subject with a normalized title.
func NewSubject(title string, namespace int) Subject {
	return Subject{Title: NormalizeTitle(title), Namespace: namespace}
}

// NormalizeTitle converts a display title to its storage form.
func NormalizeTitle(title string) string {
	return strings.ReplaceAll(strings.TrimSpace(title), " ", "_")
}

// DIType implements DataItem.
func (s Subject) DIType() DIType { return TypeWikiPage }

// String returns a human readable form, e.g. "Foo#0##sub".
func (s Subject) String() string {
	return s.Title + "#" + strconv.Itoa(s.Namespace) + "#" + s.Interwiki + "#" + s.Subobject
}

// Key returns a stable cache key for the identity tuple.
func (s Subject) Key() string {
	return s.String()
}

// Page returns the subject without its subobject part.
func (s Subject) Page() Subject {
	s.Subobject = ""
	return s
}

// WithInterwiki returns a copy of s with a different interwiki marker.
func (s Subject) WithInterwiki(iw string) Subject {
	s.Interwiki = iw
	return s
}

// IsSubobject reports whether the subject names a subobject.
func (s Subject) IsSubobject() bool {
	return s.Subobject != ""
}

// Validate reports structural problems with a subject.
func (s Subject) Validate() error {
	if s.Title == "" {
		return fmt.Errorf("subject title is empty")
	}
	if strings.ContainsRune(s.Title, '#') {
		return fmt.Errorf("subject title %q contains '#'", s.Title)
	}
	return nil
}

// Blob is free text.
type Blob struct {
	Text string
}

func (b Blob) DIType() DIType { return TypeBlob }
func (b Blob) String() string { return b.Text }

// URI is an absolute URI.
type URI struct {
	URI string
}

func (u URI) DIType() DIType { return TypeURI }
func (u URI) String() string { return u.URI }

// Number is a floating point quantity.
type Number struct {
	Value float64
}

func (n Number) DIType() DIType { return TypeNumber }
func (n Number) String() string { return strconv.FormatFloat(n.Value, 'g', -1, 64) }

// Boolean is a truth value.
type Boolean struct {
	Value bool
}

func (b Boolean) DIType() DIType { return TypeBoolean }
func (b Boolean) String() string { return strconv.FormatBool(b.Value) }

// Time is a point in time, always kept in UTC.
type Time struct {
	Value time.Time
}

func (t Time) DIType() DIType { return TypeTime }
func (t Time) String() string { return t.Value.UTC().Format(time.RFC3339Nano) }

// Concept is the stored description of a concept page.
type Concept struct {
	Text     string `json:"text"`
	Docu     string `json:"docu,omitempty"`
	Features int    `json:"features,omitempty"`
	Size     int    `json:"size,omitempty"`
	Depth    int    `json:"depth,omitempty"`
}

func (c Concept) DIType() DIType { return TypeConcept }
func (c Concept) String() string { return c.Text }

// Property identifies a property by key. Predefined properties have keys
// starting with an underscore; user-defined keys are property page titles.
type Property struct {
	Key string `json:"key"`
}

// NewProperty returns a property with a normalized key.
func NewProperty(key string) Property {
	return Property{Key: NormalizeTitle(key)}
}

// IsPredefined reports whether the key names a predefined property.
func (p Property) IsPredefined() bool {
	return strings.HasPrefix(p.Key, "_")
}

// Subject returns the property page that carries the property's identifier.
func (p Property) Subject() Subject {
	return Subject{Title: p.Key, Namespace: NSProperty}
}

// Predefined property keys.
const (
	PropInstanceOf   = "_INST"
	PropSubcategory  = "_SUBC"
	PropSubproperty  = "_SUBP"
	PropRedirect     = "_REDI"
	PropModification = "_MDAT"
	PropHasType      = "_TYPE"
	PropConcept      = "_CONC"
	PropHasSubobject = "_SOBJ"
	PropSortKey      = "_SKEY"
)
