package validation

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/hyperengineering/factstore/internal/types"
)

const (
	MaxTitleLength     = 255
	MaxSubobjectLength = 255
	MaxPropertyLength  = 255
	MaxNamespace       = 32767
)

// ValidateSubject checks the identity tuple of a page or subobject.
func ValidateSubject(field string, s types.Subject) []ValidationError {
	var c Collector
	c.Add(ValidateRequired(field+".title", s.Title))
	c.Add(ValidateUTF8(field+".title", s.Title))
	c.Add(ValidateNoNullBytes(field+".title", s.Title))
	c.Add(ValidateMaxLength(field+".title", s.Title, MaxTitleLength))
	if strings.ContainsRune(s.Title, '#') {
		c.Add(&ValidationError{Field: field + ".title", Message: "must not contain '#'"})
	}
	c.Add(ValidateRange(field+".namespace", s.Namespace, 0, MaxNamespace))
	if strings.HasPrefix(s.Interwiki, ":") {
		c.Add(&ValidationError{Field: field + ".interwiki", Message: "must not start with ':'"})
	}
	c.Add(ValidateNoNullBytes(field+".subobject", s.Subobject))
	c.Add(ValidateMaxLength(field+".subobject", s.Subobject, MaxSubobjectLength))
	return c.Errors()
}

// ValidateFactSet checks a page fact-set and its subobjects. It returns
// every problem found rather than stopping at the first.
func ValidateFactSet(fs *types.FactSet) []ValidationError {
	if fs == nil {
		return []ValidationError{{Field: "subject", Message: "is required"}}
	}
	var c Collector
	for _, e := range ValidateSubject("subject", fs.Subject) {
		c.Add(&e)
	}
	if fs.Subject.IsSubobject() {
		c.Add(&ValidationError{Field: "subject.subobject", Message: "must be empty for a page"})
	}
	validateValues(&c, "facts", fs)

	for _, sub := range fs.Subobjects() {
		prefix := "subobjects[" + sub.Subject.Subobject + "]"
		c.Add(ValidateRequired(prefix, sub.Subject.Subobject))
		if len(sub.Subobjects()) > 0 {
			c.Add(&ValidationError{Field: prefix, Message: "must not have nested subobjects"})
		}
		validateValues(&c, prefix+".facts", sub)
	}
	return c.Errors()
}

func validateValues(c *Collector, prefix string, fs *types.FactSet) {
	for _, p := range fs.Properties() {
		field := prefix + "." + p.Key
		c.Add(ValidateRequired(field, p.Key))
		c.Add(ValidateUTF8(field, p.Key))
		c.Add(ValidateNoNullBytes(field, p.Key))
		c.Add(ValidateMaxLength(field, p.Key, MaxPropertyLength))

		for i, v := range fs.Values(p) {
			vf := fmt.Sprintf("%s[%d]", field, i)
			c.Add(validateValue(vf, v))
			if page, ok := v.(types.Subject); ok {
				for _, e := range ValidateSubject(vf, page) {
					c.Add(&e)
				}
			}
		}
	}
}

func validateValue(field string, v types.DataItem) *ValidationError {
	switch v := v.(type) {
	case types.Blob:
		return ValidateUTF8(field, v.Text)
	case types.URI:
		u, err := url.Parse(v.URI)
		if err != nil || u.Scheme == "" {
			return &ValidationError{Field: field, Message: "must be an absolute URI"}
		}
	case types.Number:
		if math.IsNaN(v.Value) || math.IsInf(v.Value, 0) {
			return &ValidationError{Field: field, Message: "must be a finite number"}
		}
	case types.Time:
		if v.Value.IsZero() {
			return &ValidationError{Field: field, Message: "must be a valid time"}
		}
	case types.Concept:
		return ValidateUTF8(field, v.Text)
	}
	return nil
}
