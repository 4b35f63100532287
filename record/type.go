// Package record defines record schemas (Type/Attribute) and the Record facade that application
// code reads and writes attributes through.
package record

// AttributeKind distinguishes a plain scalar attribute from a foreign-key reference, which must be
// translated between storeKeys (in memory) and ids (at the source boundary).
type AttributeKind int

const (
	// Scalar is an ordinary, non-reference attribute.
	Scalar AttributeKind = iota
	// ToOne is a single foreign-key reference, stored in memory as a storeKey.
	ToOne
	// ToManyOrdered is an ordered list of foreign-key references.
	ToManyOrdered
	// ToManyKeyed is a keyed set of foreign-key references.
	ToManyKeyed
)

// IsReference reports whether k is any of the foreign-key reference kinds.
func (k AttributeKind) IsReference() bool {
	return k == ToOne || k == ToManyOrdered || k == ToManyKeyed
}

// Validator checks a candidate attribute value, returning a non-nil error describing why the
// value is invalid, or nil if it is acceptable. Validation never blocks a write; it only
// surfaces through Record.ErrorForAttribute and Record.IsValid.
type Validator func(value interface{}, key string, rec *Record) error

// Attribute declares one field of a Type's schema.
type Attribute struct {
	// Key is the wire name used when talking to the source.
	Key string
	// Property is the in-memory name, defaulting to Key if empty.
	Property string
	// Default is the value filled in by Record.SaveToStore when the attribute is missing.
	Default interface{}
	// NoSync marks an attribute that is never sent to the source on commit.
	NoSync bool
	// Validate is an optional per-attribute validator.
	Validate Validator
	// Kind distinguishes scalar attributes from foreign-key references.
	Kind AttributeKind
	// RefType names the Type a reference attribute points to, if Kind.IsReference().
	RefType string
}

// propertyKey returns a.Property, defaulting to a.Key.
func (a Attribute) propertyKey() string {
	if a.Property != "" {
		return a.Property
	}
	return a.Key
}

// PropertyKey is the exported form of propertyKey, for use by packages (store, in particular)
// that need to translate between an attribute's wire key and its in-memory property name.
func (a Attribute) PropertyKey() string { return a.propertyKey() }

// Type is a record class (schema): a name, a primary-key attribute, and an ordered attribute list.
type Type struct {
	// Name identifies the type, e.g. for per-type change notification.
	Name string
	// PrimaryKey is the attribute key holding the source-assigned id, default "id".
	PrimaryKey string

	attrs    []Attribute
	byKey    map[string]Attribute
	byProp   map[string]Attribute
}

// NewType builds a Type from its attribute list. PrimaryKey defaults to "id" if empty.
func NewType(name string, primaryKey string, attrs []Attribute) *Type {
	if primaryKey == "" {
		primaryKey = "id"
	}
	t := &Type{
		Name:       name,
		PrimaryKey: primaryKey,
		attrs:      attrs,
		byKey:      make(map[string]Attribute, len(attrs)),
		byProp:     make(map[string]Attribute, len(attrs)),
	}
	for _, a := range attrs {
		t.byKey[a.Key] = a
		t.byProp[a.propertyKey()] = a
	}
	return t
}

// Attributes returns the type's declared attributes in schema order.
func (t *Type) Attributes() []Attribute {
	return t.attrs
}

// AttributeByProperty looks up an attribute by its in-memory property name.
func (t *Type) AttributeByProperty(property string) (Attribute, bool) {
	a, ok := t.byProp[property]
	return a, ok
}

// AttributeByKey looks up an attribute by its wire key.
func (t *Type) AttributeByKey(key string) (Attribute, bool) {
	a, ok := t.byKey[key]
	return a, ok
}

// ReferenceAttributes returns the subset of attributes that are foreign-key references, used by
// the store's ingress/egress translation between storeKeys and ids.
func (t *Type) ReferenceAttributes() []Attribute {
	var out []Attribute
	for _, a := range t.attrs {
		if a.Kind.IsReference() {
			out = append(out, a)
		}
	}
	return out
}

// DefaultsForMissing returns a patch containing the default value for every attribute not already
// present in data, used by Record.SaveToStore.
func (t *Type) DefaultsForMissing(data map[string]interface{}) map[string]interface{} {
	patch := map[string]interface{}{}
	for _, a := range t.attrs {
		p := a.propertyKey()
		if _, present := data[p]; !present {
			patch[p] = a.Default
		}
	}
	return patch
}
