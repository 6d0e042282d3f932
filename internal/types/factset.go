package types

// FactSet holds the facts of one subject: properties in insertion order,
// each with an ordered list of values, plus nested subobject fact-sets.
type FactSet struct {
	Subject Subject

	// Revision is the external page revision the facts were extracted
	// from. Zero means unknown and leaves the stored marker untouched.
	Revision int64

	order      []string
	values     map[string][]DataItem
	subobjects map[string]*FactSet
	subOrder   []string
}

// NewFactSet returns an empty fact-set for subject.
func NewFactSet(subject Subject) *FactSet {
	return &FactSet{
		Subject:    subject,
		values:     make(map[string][]DataItem),
		subobjects: make(map[string]*FactSet),
	}
}

// AddValue appends a value to the property.
func (f *FactSet) AddValue(p Property, v DataItem) {
	if _, ok := f.values[p.Key]; !ok {
		f.order = append(f.order, p.Key)
	}
	f.values[p.Key] = append(f.values[p.Key], v)
}

// Properties returns the properties that carry values, in insertion order.
func (f *FactSet) Properties() []Property {
	props := make([]Property, 0, len(f.order))
	for _, key := range f.order {
		props = append(props, Property{Key: key})
	}
	return props
}

// Values returns the values of p.
func (f *FactSet) Values(p Property) []DataItem {
	return f.values[p.Key]
}

// RemoveProperty drops all values of p.
func (f *FactSet) RemoveProperty(p Property) {
	if _, ok := f.values[p.Key]; !ok {
		return
	}
	delete(f.values, p.Key)
	for i, key := range f.order {
		if key == p.Key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// IsEmpty reports whether the fact-set has neither values nor subobjects.
func (f *FactSet) IsEmpty() bool {
	return len(f.order) == 0 && len(f.subOrder) == 0
}

// SortKey returns the last _SKEY value, or the title with underscores
// replaced by spaces.
func (f *FactSet) SortKey() string {
	if vs := f.values[PropSortKey]; len(vs) > 0 {
		return vs[len(vs)-1].String()
	}
	return DefaultSortKey(f.Subject)
}

// RedirectTarget returns the last _REDI value if the subject is a redirect.
func (f *FactSet) RedirectTarget() (Subject, bool) {
	vs := f.values[PropRedirect]
	for i := len(vs) - 1; i >= 0; i-- {
		if page, ok := vs[i].(Subject); ok {
			return page, true
		}
	}
	return Subject{}, false
}

// AddSubobject attaches a subobject fact-set and records the matching
// _SOBJ value on the parent. The subobject subject inherits the parent page.
func (f *FactSet) AddSubobject(name string, sub *FactSet) {
	sub.Subject = f.Subject.Page()
	sub.Subject.Subobject = name
	if _, ok := f.subobjects[name]; !ok {
		f.subOrder = append(f.subOrder, name)
		f.AddValue(Property{Key: PropHasSubobject}, sub.Subject)
	}
	f.subobjects[name] = sub
}

// Subobjects returns attached subobject fact-sets in insertion order.
func (f *FactSet) Subobjects() []*FactSet {
	subs := make([]*FactSet, 0, len(f.subOrder))
	for _, name := range f.subOrder {
		subs = append(subs, f.subobjects[name])
	}
	return subs
}

// DefaultSortKey derives a sort key from the subject title.
func DefaultSortKey(s Subject) string {
	key := s.Title
	if s.Subobject != "" {
		key += "#" + s.Subobject
	}
	out := []rune(key)
	for i, r := range out {
		if r == '_' {
			out[i] = ' '
		}
	}
	return string(out)
}
