package rpcclient

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName selects the JSON codec for this package's gRPC connections.
// There is no protobuf schema for this service in the retrieval pack, so
// messages travel as plain JSON over the same grpc.ClientConn transport
// rather than falling back to a hand-rolled RPC layer on net/rpc or raw
// HTTP.
const codecName = "meridian-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
