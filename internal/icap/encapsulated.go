package icap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Entity names one of the sections an Encapsulated header can declare.
type Entity int

const (
	ReqHdr Entity = iota
	ReqBody
	ResHdr
	ResBody
	OptBody
	NullBody
	numEntities
)

var entityNames = [numEntities]string{
	ReqHdr:   "req-hdr",
	ReqBody:  "req-body",
	ResHdr:   "res-hdr",
	ResBody:  "res-body",
	OptBody:  "opt-body",
	NullBody: "null-body",
}

func (e Entity) String() string {
	if e < 0 || e >= numEntities {
		return "entity(" + strconv.Itoa(int(e)) + ")"
	}
	return entityNames[e]
}

// IsBody reports whether e can only appear as the last section of a message.
func (e Entity) IsBody() bool {
	return e == ReqBody || e == ResBody || e == OptBody || e == NullBody
}

func lookupEntity(name string) (Entity, bool) {
	for i, n := range entityNames {
		if n == name {
			return Entity(i), true
		}
	}
	return 0, false
}

// Section is a present entity with its offset. Length is the distance to the
// next section, or -1 for the terminal one.
type Section struct {
	Entity Entity
	Offset int
	Length int
}

// Sizes are the byte lengths of the four sections carried by a Payload.
type Sizes struct {
	ReqHeader int
	ReqBody   int
	ResHeader int
	ResBody   int
}

type slot struct {
	offset  int
	present bool
}

// Encapsulation tracks the six fixed entities and the order in which their
// sections appear on the wire. The zero value has no entity present.
type Encapsulation struct {
	slots [numEntities]slot
	order [numEntities]Entity
}

// Set marks e present at offset.
func (m *Encapsulation) Set(e Entity, offset int) {
	m.slots[e] = slot{offset: offset, present: true}
	m.sort()
}

// Clear marks e absent.
func (m *Encapsulation) Clear(e Entity) {
	m.slots[e] = slot{}
	m.sort()
}

// Reset marks every entity absent.
func (m *Encapsulation) Reset() {
	m.slots = [numEntities]slot{}
	m.sort()
}

// Offset returns the offset of e and whether it is present.
func (m *Encapsulation) Offset(e Entity) (int, bool) {
	s := m.slots[e]
	return s.offset, s.present
}

// Parse reads an Encapsulated header value such as
// "req-hdr=0, null-body=170". Unknown entity names are ignored. Pairs that
// are not name=offset with a non-negative integer offset are returned in
// skipped; Parse fails only when value is non-empty and holds no usable pair.
func (m *Encapsulation) Parse(value string) (skipped []string, err error) {
	m.slots = [numEntities]slot{}
	defer m.sort()

	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	valid := 0
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if strings.Count(pair, "=") != 1 {
			skipped = append(skipped, pair)
			continue
		}
		name, off, _ := strings.Cut(pair, "=")
		offset, err := strconv.Atoi(strings.TrimSpace(off))
		if err != nil || offset < 0 {
			skipped = append(skipped, pair)
			continue
		}
		valid++
		if e, ok := lookupEntity(strings.TrimSpace(name)); ok {
			m.slots[e] = slot{offset: offset, present: true}
		}
	}

	if valid == 0 {
		return skipped, &badStringError{"malformed Encapsulated value", value}
	}
	return skipped, nil
}

// ComputeFromSizes lays out the four payload sections in protocol order,
// omitting empty ones. A payload without any section is declared as
// null-body=0, and header-only payloads end with a null-body entity.
func (m *Encapsulation) ComputeFromSizes(sz Sizes) {
	m.slots = [numEntities]slot{}
	defer m.sort()

	offset := 0
	body := false
	for _, s := range []struct {
		e    Entity
		size int
	}{
		{ReqHdr, sz.ReqHeader},
		{ReqBody, sz.ReqBody},
		{ResHdr, sz.ResHeader},
		{ResBody, sz.ResBody},
	} {
		if s.size <= 0 {
			continue
		}
		m.slots[s.e] = slot{offset: offset, present: true}
		offset += s.size
		if s.e.IsBody() {
			body = true
		}
	}

	if !body {
		m.slots[NullBody] = slot{offset: offset, present: true}
	}
}

// String renders the header value, e.g. "req-hdr=0, res-body=10".
func (m *Encapsulation) String() string {
	var b strings.Builder
	for _, s := range m.Entities() {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%d", s.Entity, s.Offset)
	}
	if b.Len() == 0 {
		return "null-body=0"
	}
	return b.String()
}

// Entities returns the present entities in wire order.
func (m *Encapsulation) Entities() []Section {
	var out []Section
	for _, e := range m.order {
		s := m.slots[e]
		if !s.present {
			break
		}
		out = append(out, Section{Entity: e, Offset: s.offset, Length: -1})
	}
	for i := 0; i+1 < len(out); i++ {
		out[i].Length = out[i+1].Offset - out[i].Offset
	}
	return out
}

// Terminal returns the last present entity, whose length is open ended.
func (m *Encapsulation) Terminal() (Entity, bool) {
	ents := m.Entities()
	if len(ents) == 0 {
		return 0, false
	}
	return ents[len(ents)-1].Entity, true
}

// sort orders present entities by offset ahead of absent ones. It starts from
// declaration order each time so equal keys always come out the same way.
func (m *Encapsulation) sort() {
	for i := range m.order {
		m.order[i] = Entity(i)
	}
	sort.SliceStable(m.order[:], func(i, j int) bool {
		a, b := m.slots[m.order[i]], m.slots[m.order[j]]
		if a.present != b.present {
			return a.present
		}
		return a.present && a.offset < b.offset
	})
}
