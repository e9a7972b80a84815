package openmodelpb

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec is a gRPC codec for the OMI wire types. Generated protobuf messages
// (health checks, reflection) are passed through to the protobuf runtime, so
// the codec can be forced on a whole server or channel.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case Message:
		return m.Marshal()
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("openmodel codec: cannot marshal %T", v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case Message:
		return m.Unmarshal(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("openmodel codec: cannot unmarshal into %T", v)
}

// Name reports "proto" since the bytes on the wire are plain protobuf.
func (Codec) Name() string { return "proto" }
