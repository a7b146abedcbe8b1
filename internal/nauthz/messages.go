// Package nauthz implements the relay authorization RPC protocol
// (package nauthz, service Authorization) on top of gRPC.
//
// The messages are encoded by hand with protowire; their field numbers follow
// nauthz.proto as shipped with the relay.
package nauthz

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decision is the admission verdict on the wire.
type Decision int32

const (
	Decision_DECISION_UNSPECIFIED Decision = 0
	Decision_DECISION_PERMIT      Decision = 1
	Decision_DECISION_DENY        Decision = 2
)

func (d Decision) String() string {
	switch d {
	case Decision_DECISION_PERMIT:
		return "DECISION_PERMIT"
	case Decision_DECISION_DENY:
		return "DECISION_DENY"
	default:
		return "DECISION_UNSPECIFIED"
	}
}

// TagEntry is one event tag.
type TagEntry struct {
	Values []string
}

// Event is a relay event as forwarded by the relay.
type Event struct {
	Id        []byte
	Pubkey    []byte
	CreatedAt uint64
	Kind      uint64
	Content   string
	Tags      []*TagEntry
	Sig       []byte
}

// Nip05Name is a verified NIP-05 identity.
type Nip05Name struct {
	Local  string
	Domain string
}

// EventRequest asks whether Event may be stored. Pointer and nil-able fields
// are optional on the wire.
type EventRequest struct {
	Event      *Event
	IpAddr     *string
	Origin     *string
	UserAgent  *string
	AuthPubkey []byte
	Nip05      *Nip05Name
}

// EventReply carries the verdict.
type EventReply struct {
	Decision Decision
	Message  *string
}

// GetMessage returns the reply message or "".
func (r *EventReply) GetMessage() string {
	if r == nil || r.Message == nil {
		return ""
	}
	return *r.Message
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Marshal encodes m.
func (m *TagEntry) Marshal() ([]byte, error) {
	var b []byte
	for _, v := range m.Values {
		b = appendString(b, 1, v)
	}
	return b, nil
}

// Marshal encodes m.
func (m *Event) Marshal() ([]byte, error) {
	var b []byte
	if len(m.Id) > 0 {
		b = appendBytes(b, 1, m.Id)
	}
	if len(m.Pubkey) > 0 {
		b = appendBytes(b, 2, m.Pubkey)
	}
	if m.CreatedAt != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, m.CreatedAt)
	}
	if m.Kind != 0 {
		b = appendVarint(b, 4, m.Kind)
	}
	if m.Content != "" {
		b = appendString(b, 5, m.Content)
	}
	for _, t := range m.Tags {
		if t == nil {
			t = &TagEntry{}
		}
		tb, _ := t.Marshal()
		b = appendBytes(b, 6, tb)
	}
	if len(m.Sig) > 0 {
		b = appendBytes(b, 7, m.Sig)
	}
	return b, nil
}

// Marshal encodes m.
func (m *Nip05Name) Marshal() ([]byte, error) {
	var b []byte
	if m.Local != "" {
		b = appendString(b, 1, m.Local)
	}
	if m.Domain != "" {
		b = appendString(b, 2, m.Domain)
	}
	return b, nil
}

// Marshal encodes m.
func (m *EventRequest) Marshal() ([]byte, error) {
	var b []byte
	if m.Event != nil {
		eb, err := m.Event.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendBytes(b, 1, eb)
	}
	if m.IpAddr != nil {
		b = appendString(b, 2, *m.IpAddr)
	}
	if m.Origin != nil {
		b = appendString(b, 3, *m.Origin)
	}
	if m.UserAgent != nil {
		b = appendString(b, 4, *m.UserAgent)
	}
	if m.AuthPubkey != nil {
		b = appendBytes(b, 5, m.AuthPubkey)
	}
	if m.Nip05 != nil {
		nb, _ := m.Nip05.Marshal()
		b = appendBytes(b, 6, nb)
	}
	return b, nil
}

// Marshal encodes m.
func (m *EventReply) Marshal() ([]byte, error) {
	var b []byte
	if m.Decision != Decision_DECISION_UNSPECIFIED {
		b = appendVarint(b, 1, uint64(m.Decision))
	}
	if m.Message != nil {
		b = appendString(b, 2, *m.Message)
	}
	return b, nil
}

// field is one decoded top-level field.
type field struct {
	num protowire.Number
	typ protowire.Type
	// raw holds the payload of length-delimited fields.
	raw []byte
	// scalar holds varint and fixed values.
	scalar uint64
}

// walk calls fn for each field in b. Unknown fields are skipped by callers
// simply ignoring them.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.scalar, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.scalar = uint64(v)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("nauthz: field %d: wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) bytes() []byte { return append([]byte{}, f.raw...) }

func (f field) str() string { return string(f.raw) }

// Unmarshal decodes b into m, replacing its contents.
func (m *TagEntry) Unmarshal(b []byte) error {
	*m = TagEntry{}
	return walk(b, func(f field) error {
		if f.num == 1 {
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			m.Values = append(m.Values, f.str())
		}
		return nil
	})
}

// Unmarshal decodes b into m, replacing its contents.
func (m *Event) Unmarshal(b []byte) error {
	*m = Event{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1, 2, 7:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			switch f.num {
			case 1:
				m.Id = f.bytes()
			case 2:
				m.Pubkey = f.bytes()
			default:
				m.Sig = f.bytes()
			}
		case 3:
			if err := f.expect(protowire.Fixed64Type); err != nil {
				return err
			}
			m.CreatedAt = f.scalar
		case 4:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			m.Kind = f.scalar
		case 5:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			m.Content = f.str()
		case 6:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			t := &TagEntry{}
			if err := t.Unmarshal(f.raw); err != nil {
				return err
			}
			m.Tags = append(m.Tags, t)
		}
		return nil
	})
}

// Unmarshal decodes b into m, replacing its contents.
func (m *Nip05Name) Unmarshal(b []byte) error {
	*m = Nip05Name{}
	return walk(b, func(f field) error {
		if f.num != 1 && f.num != 2 {
			return nil
		}
		if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		if f.num == 1 {
			m.Local = f.str()
		} else {
			m.Domain = f.str()
		}
		return nil
	})
}

// Unmarshal decodes b into m, replacing its contents.
func (m *EventRequest) Unmarshal(b []byte) error {
	*m = EventRequest{}
	return walk(b, func(f field) error {
		if f.num < 1 || f.num > 6 {
			return nil
		}
		if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		switch f.num {
		case 1:
			ev := &Event{}
			if err := ev.Unmarshal(f.raw); err != nil {
				return err
			}
			m.Event = ev
		case 2:
			s := f.str()
			m.IpAddr = &s
		case 3:
			s := f.str()
			m.Origin = &s
		case 4:
			s := f.str()
			m.UserAgent = &s
		case 5:
			m.AuthPubkey = f.bytes()
		case 6:
			n := &Nip05Name{}
			if err := n.Unmarshal(f.raw); err != nil {
				return err
			}
			m.Nip05 = n
		}
		return nil
	})
}

// Unmarshal decodes b into m, replacing its contents.
func (m *EventReply) Unmarshal(b []byte) error {
	*m = EventReply{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			m.Decision = Decision(int32(f.scalar))
		case 2:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			s := f.str()
			m.Message = &s
		}
		return nil
	})
}
