// Package codec 消息体编解码.
package codec

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
)

var (
	errCodecNotInit = errors.New("codec not init")

	// ErrNotProtoMessage is returned by ProtoCodec for values that are not proto messages.
	ErrNotProtoMessage = errors.New("codec: value is not a proto.Message")

	_codec atomic.Pointer[codecHolder]
)

type codecHolder struct{ c Codec }

func init() {
	SetCodec(&ProtoCodec{})
}

// Codec 解码器.
type Codec interface {
	Name() string
	// Encode appends the encoding of v to b.
	Encode(v any, b []byte) ([]byte, error)
	// Decode fills v, which must be a pointer, from b.
	Decode(v any, b []byte) error
}

// Encode 打包.
func Encode(v any, b []byte) ([]byte, error) {
	c := Default()
	if c == nil {
		return nil, errCodecNotInit
	}
	return c.Encode(v, b)
}

// Decode 解包.
func Decode(v any, b []byte) error {
	c := Default()
	if c == nil {
		return errCodecNotInit
	}
	return c.Decode(v, b)
}

// SetCodec 设置解码器.
func SetCodec(c Codec) {
	_codec.Store(&codecHolder{c: c})
}

// Default 当前解码器.
func Default() Codec {
	h := _codec.Load()
	if h == nil {
		return nil
	}
	return h.c
}

// ProtoCodec encodes protobuf messages.
type ProtoCodec struct{}

func (c *ProtoCodec) Name() string { return "proto" }

func (c *ProtoCodec) Encode(v any, b []byte) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	return proto.MarshalOptions{}.MarshalAppend(b, m)
}

func (c *ProtoCodec) Decode(v any, b []byte) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	return proto.Unmarshal(b, m)
}

// CborCodec encodes plain Go structs with CBOR, for server-to-server payloads
// that have no .proto definition.
type CborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCborCodec builds a codec with canonical encoding and strict duplicate-key checks.
func NewCborCodec() (*CborCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CborCodec{enc: enc, dec: dec}, nil
}

func (c *CborCodec) Name() string { return "cbor" }

func (c *CborCodec) Encode(v any, b []byte) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, data...), nil
}

func (c *CborCodec) Decode(v any, b []byte) error {
	return c.dec.Unmarshal(b, v)
}
