package encoding

import (
	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype served by the msgpack codec.
const CodecName = "msgpack"

type grpcCodec struct{}

func (grpcCodec) Marshal(v any) ([]byte, error)      { return Marshal(v) }
func (grpcCodec) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }
func (grpcCodec) Name() string                       { return CodecName }

func init() {
	grpcencoding.RegisterCodec(grpcCodec{})
}
