package signal

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding registry so the broker
// ClientConn can invoke RPCs without generated .pb.go stubs: every request
// and response is carried as a rawMessage ([]byte already holding the wire
// payload the broker expects), and the codec is a pass-through.
const codecName = "edgeruntime-raw"

// rawMessage is the payload type every RPC against the signal broker sends
// and receives; callers are responsible for producing/parsing the bytes
// themselves (here, JSON — see the wire shapes in client.go).
type rawMessage []byte

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(rawMessage)
	if !ok {
		return nil, fmt.Errorf("signal: rawCodec.Marshal: unsupported type %T", v)
	}
	return msg, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("signal: rawCodec.Unmarshal: unsupported type %T", v)
	}
	*msg = append((*msg)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}
