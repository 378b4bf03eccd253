package valueobjects

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"graphcore/domain/config"
	pkgerrors "graphcore/pkg/errors"
)

// PropertyKind tags the type carried by a PropertyValue
type PropertyKind string

const (
	KindString PropertyKind = "string"
	KindNumber PropertyKind = "number"
	KindBool   PropertyKind = "bool"
	KindList   PropertyKind = "list"
)

// PropertyValue is a typed property value. It round-trips through JSON with
// its kind so replay restores the same Go types.
type PropertyValue struct {
	kind PropertyKind
	str  string
	num  float64
	flag bool
	list []string
}

func StringProperty(s string) PropertyValue  { return PropertyValue{kind: KindString, str: s} }
func NumberProperty(n float64) PropertyValue { return PropertyValue{kind: KindNumber, num: n} }
func BoolProperty(b bool) PropertyValue      { return PropertyValue{kind: KindBool, flag: b} }

// ListProperty copies items so the value cannot be mutated through the caller's slice
func ListProperty(items ...string) PropertyValue {
	list := make([]string, len(items))
	copy(list, items)
	return PropertyValue{kind: KindList, list: list}
}

func (v PropertyValue) Kind() PropertyKind { return v.kind }

func (v PropertyValue) AsString() (string, bool)  { return v.str, v.kind == KindString }
func (v PropertyValue) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v PropertyValue) AsBool() (bool, bool)      { return v.flag, v.kind == KindBool }

func (v PropertyValue) AsList() ([]string, bool) {
	if v.kind != KindList {
		return nil, false
	}
	out := make([]string, len(v.list))
	copy(out, v.list)
	return out, true
}

// Interface returns the value as a plain Go value
func (v PropertyValue) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.flag
	case KindList:
		l, _ := v.AsList()
		return l
	default:
		return nil
	}
}

func (v PropertyValue) Equals(other PropertyValue) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.flag == other.flag
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != other.list[i] {
				return false
			}
		}
		return true
	}
	return true
}

type propertyJSON struct {
	Kind  PropertyKind    `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (v PropertyValue) MarshalJSON() ([]byte, error) {
	var raw []byte
	var err error
	switch v.kind {
	case KindString:
		raw, err = json.Marshal(v.str)
	case KindNumber:
		raw, err = json.Marshal(v.num)
	case KindBool:
		raw, err = json.Marshal(v.flag)
	case KindList:
		raw, err = json.Marshal(v.list)
	default:
		return nil, fmt.Errorf("property value has unknown kind %q", v.kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(propertyJSON{Kind: v.kind, Value: raw})
}

func (v *PropertyValue) UnmarshalJSON(data []byte) error {
	var p propertyJSON
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	out := PropertyValue{kind: p.Kind}
	var err error
	switch p.Kind {
	case KindString:
		err = json.Unmarshal(p.Value, &out.str)
	case KindNumber:
		err = json.Unmarshal(p.Value, &out.num)
	case KindBool:
		err = json.Unmarshal(p.Value, &out.flag)
	case KindList:
		err = json.Unmarshal(p.Value, &out.list)
		if out.list == nil {
			out.list = []string{}
		}
	default:
		return fmt.Errorf("property value has unknown kind %q", p.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s property: %w", p.Kind, err)
	}
	*v = out
	return nil
}

// NodeContent is the business payload of a node: a label, a type tag and
// typed properties. Content is never edited in place.
type NodeContent struct {
	label      string
	nodeType   string
	properties map[string]PropertyValue
}

// NewNodeContent creates content. Limits are checked by Validate because
// they depend on the active domain configuration.
func NewNodeContent(label, nodeType string, properties map[string]PropertyValue) NodeContent {
	props := make(map[string]PropertyValue, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	return NodeContent{
		label:      strings.TrimSpace(label),
		nodeType:   strings.TrimSpace(nodeType),
		properties: props,
	}
}

func (c NodeContent) Label() string    { return c.label }
func (c NodeContent) NodeType() string { return c.nodeType }

// Property returns a single property by key
func (c NodeContent) Property(key string) (PropertyValue, bool) {
	v, ok := c.properties[key]
	return v, ok
}

// Properties returns a copy of the property map
func (c NodeContent) Properties() map[string]PropertyValue {
	out := make(map[string]PropertyValue, len(c.properties))
	for k, v := range c.properties {
		out[k] = v
	}
	return out
}

// PropertyKeys returns the property keys in sorted order
func (c NodeContent) PropertyKeys() []string {
	keys := make([]string, 0, len(c.properties))
	for k := range c.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks the content against the domain configuration
func (c NodeContent) Validate(cfg *config.DomainConfig) error {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if c.label == "" {
		return pkgerrors.InvalidNodeContent("label", "label is required")
	}
	if utf8.RuneCountInString(c.label) > cfg.MaxLabelLength {
		return pkgerrors.InvalidNodeContent("label",
			fmt.Sprintf("label exceeds maximum length of %d characters", cfg.MaxLabelLength))
	}
	if len(c.properties) > cfg.MaxPropertyCount {
		return pkgerrors.InvalidNodeContent("properties",
			fmt.Sprintf("at most %d properties allowed", cfg.MaxPropertyCount))
	}
	for _, k := range c.PropertyKeys() {
		v := c.properties[k]
		if strings.TrimSpace(k) == "" {
			return pkgerrors.InvalidNodeContent("properties", "property key cannot be empty")
		}
		switch v.kind {
		case KindString, KindBool, KindList:
		case KindNumber:
			if !isFinite(v.num) {
				return pkgerrors.InvalidNodeContent("properties."+k, "number must be finite")
			}
		default:
			return pkgerrors.InvalidNodeContent("properties."+k, "unknown property kind")
		}
	}
	return nil
}

// Equals checks if two contents are equal
func (c NodeContent) Equals(other NodeContent) bool {
	if c.label != other.label || c.nodeType != other.nodeType || len(c.properties) != len(other.properties) {
		return false
	}
	for k, v := range c.properties {
		o, ok := other.properties[k]
		if !ok || !v.Equals(o) {
			return false
		}
	}
	return true
}

type contentJSON struct {
	Label      string                   `json:"label"`
	NodeType   string                   `json:"node_type,omitempty"`
	Properties map[string]PropertyValue `json:"properties"`
}

func (c NodeContent) MarshalJSON() ([]byte, error) {
	props := c.properties
	if props == nil {
		props = map[string]PropertyValue{}
	}
	return json.Marshal(contentJSON{Label: c.label, NodeType: c.nodeType, Properties: props})
}

func (c *NodeContent) UnmarshalJSON(data []byte) error {
	var raw contentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = NewNodeContent(raw.Label, raw.NodeType, raw.Properties)
	return nil
}
