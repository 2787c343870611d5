// Package notifyrelay is the gRPC service the durable NotificationBus
// forwards confirmed deliveries to, for an out-of-process alerting
// sidecar to consume (spec §1 treats actual delivery channels as
// external; this is the seam). It replaces the teacher's Python-worker
// delegation RPC (main.go's ENABLE_PYTHON_WORKER client) with a relay
// serving the same purpose: an internal gRPC boundary to a sidecar
// process, reusing grpc-go's service-registration machinery directly
// (ServiceDesc + Invoke) rather than protoc-generated stubs, with
// messages carried by a small JSON codec instead of compiled protobuf
// descriptors.
package notifyrelay

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "notifyrelay-json"

// jsonCodec implements grpc's encoding.Codec so the relay's generated-free
// service can still ride on google.golang.org/grpc's transport, framing,
// and flow control, exactly as protoc-gen-go-grpc output would, without
// requiring a protobuf compiler run.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
