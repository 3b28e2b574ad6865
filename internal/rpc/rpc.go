// Package rpc carries the gRPC plumbing shared by the admin server and the judge client. Messages travel as
// google.protobuf.Struct over the default proto codec, the schemas live under proto/.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts a message into a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal %T: %w", v, err)
	}

	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("rpc: encode %T: %w", v, err)
	}

	return s, nil
}

// Decode fills v from s.
func Decode(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("rpc: decode %T: %w", v, err)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("rpc: unmarshal %T: %w", v, err)
	}

	return nil
}

// Invoke calls a unary method, encoding req and decoding the reply into resp.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}

	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return err
	}

	return Decode(out, resp)
}
