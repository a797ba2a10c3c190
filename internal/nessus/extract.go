package nessus

import (
	"encoding/xml"
	"strings"
)

// Element is a closed XML element with its open-tag attributes and its
// immediate children. Deeper descendants are not retained.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []Child    `xml:",any"`
}

// Child is an immediate child of an Element.
type Child struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
}

// Attr returns the value of the named attribute.
func (c *Child) Attr(name string) (string, bool) {
	return attrValue(c.Attrs, name)
}

// Fields maps wanted keys to the values found for them.
type Fields map[string]string

// Get returns the value for key, or an absent Text.
func (f Fields) Get(key string) Text {
	v, ok := f[key]
	if !ok {
		return Absent()
	}
	return NewText(v)
}

// Extract collects the text of every immediate child of el whose tag name
// or name attribute is one of wanted. Repeated keys are joined with a
// comma in document order.
func Extract(el Element, wanted []string) Fields {
	return extract(el, wanted, true)
}

// ExtractLast is Extract for single-valued keys: a repeated key keeps the
// last value seen.
func ExtractLast(el Element, wanted []string) Fields {
	return extract(el, wanted, false)
}

func extract(el Element, wanted []string, join bool) Fields {
	want := keySet(wanted)
	fields := make(Fields)
	for i := range el.Children {
		child := &el.Children[i]
		key := child.XMLName.Local
		if _, ok := want[key]; !ok {
			name, hasName := child.Attr("name")
			if !hasName {
				continue
			}
			if _, ok := want[name]; !ok {
				continue
			}
			key = name
		}

		text := strings.TrimSpace(child.Text)
		if prev, seen := fields[key]; seen && join {
			fields[key] = prev + "," + text
			continue
		}
		fields[key] = text
	}
	return fields
}

// ExtractAttrs collects the open-tag attributes whose name is one of wanted.
func ExtractAttrs(attrs []xml.Attr, wanted []string) Fields {
	want := keySet(wanted)
	fields := make(Fields)
	for _, a := range attrs {
		if _, ok := want[a.Name.Local]; ok {
			fields[a.Name.Local] = a.Value
		}
	}
	return fields
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func attrValue(attrs []xml.Attr, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}
