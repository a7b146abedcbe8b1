package nauthz

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// wireMessage is implemented by the nauthz message types.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Codec is a gRPC codec registered under the "proto" content subtype. It
// encodes nauthz messages itself and hands any other protobuf message (health
// checks, reflection) to the regular protobuf runtime.
type Codec struct{}

// Name returns the content subtype.
func (Codec) Name() string { return "proto" }

// Marshal encodes v.
func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case wireMessage:
		return m.Marshal()
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("nauthz: cannot marshal %T", v)
}

// Unmarshal decodes data into v.
func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case wireMessage:
		return m.Unmarshal(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("nauthz: cannot unmarshal into %T", v)
}
