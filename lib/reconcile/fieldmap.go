package reconcile

import "sort"

// FieldMapStrategyName is the registry name of the FieldMap strategy.
const FieldMapStrategyName = "fieldmap"

// FieldMap is a string map with one stamp per field. The stamp is the value
// version at which the field last changed, which lets diffs from independent
// writers merge as long as they touch different fields.
type FieldMap struct {
	Fields map[string]string `cbor:"1,keyasint,omitempty"`
	Stamps map[string]uint64 `cbor:"2,keyasint,omitempty"`

	version uint64
}

// FieldDiff sets and deletes fields of a FieldMap. Base is the version of the
// value the writer looked at when it computed the diff.
type FieldDiff struct {
	Base   uint64            `cbor:"1,keyasint"`
	Set    map[string]string `cbor:"2,keyasint,omitempty"`
	Delete []string          `cbor:"3,keyasint,omitempty"`
}

// Rebased returns the diff with Base moved to `to` if it was computed at `from` or later.
func (d FieldDiff) Rebased(from, to uint64) any {
	if d.Base >= from && d.Base < to {
		d.Base = to
	}
	return d
}

// NewFieldMap returns an empty FieldMap. It is the template of FieldMapStrategy.
func NewFieldMap() *FieldMap {
	return &FieldMap{
		Fields: make(map[string]string),
		Stamps: make(map[string]uint64),
	}
}

// FieldMapStrategy returns the strategy for FieldMap values.
func FieldMapStrategy() *Strategy[*FieldMap, FieldDiff] {
	return NewStrategy[*FieldMap, FieldDiff](FieldMapStrategyName, NewFieldMap)
}

func (m *FieldMap) Version() uint64 {
	return m.version
}

func (m *FieldMap) SetVersion(v uint64) {
	m.version = v
}

// Get returns the value of a field.
func (m *FieldMap) Get(field string) (string, bool) {
	v, ok := m.Fields[field]
	return v, ok
}

// Len returns the number of fields.
func (m *FieldMap) Len() int {
	return len(m.Fields)
}

// Names returns the sorted field names.
func (m *FieldMap) Names() []string {
	names := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *FieldMap) Update(d FieldDiff) Result {
	var set []string
	var del []string
	noops := 0

	// first pass: classify, nothing is mutated before all fields are checked
	for f, target := range d.Set {
		if cur, ok := m.Fields[f]; ok && cur == target {
			noops++
			continue
		}
		if m.Stamps[f] > d.Base {
			return Conflict
		}
		set = append(set, f)
	}
	for _, f := range d.Delete {
		if _, ok := m.Fields[f]; !ok {
			noops++
			continue
		}
		if m.Stamps[f] > d.Base {
			return Conflict
		}
		del = append(del, f)
	}

	if len(set)+len(del) > 0 {
		next := m.version + 1
		if m.Fields == nil {
			m.Fields = make(map[string]string)
		}
		if m.Stamps == nil {
			m.Stamps = make(map[string]uint64)
		}
		for _, f := range set {
			m.Fields[f] = d.Set[f]
			m.Stamps[f] = next
		}
		for _, f := range del {
			delete(m.Fields, f)
			m.Stamps[f] = next
		}
		m.version = next
	}

	if noops > 0 || len(set)+len(del) == 0 {
		return Partial
	}
	return Full
}

func (m *FieldMap) Clone() *FieldMap {
	c := &FieldMap{
		Fields:  make(map[string]string, len(m.Fields)),
		Stamps:  make(map[string]uint64, len(m.Stamps)),
		version: m.version,
	}
	for k, v := range m.Fields {
		c.Fields[k] = v
	}
	for k, v := range m.Stamps {
		c.Stamps[k] = v
	}
	return c
}
