// Package tl maps type ids of the MTProto and API schemas to the gotd
// generated types used by the key exchange, the framing layer and secret
// chats, and adds the few constructors gotd does not generate.
package tl

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/proto"
)

// Object is a boxed TL value.
type Object interface {
	bin.Encoder
	bin.Decoder
	TypeID() uint32
}

var constructors = map[uint32]func() Object{}

func register(fns ...func() Object) {
	for _, fn := range fns {
		constructors[fn().TypeID()] = fn
	}
}

// DecodeObject decodes any registered boxed object from b. A gzip_packed
// object is unpacked first.
func DecodeObject(b *bin.Buffer) (Object, error) {
	id, err := b.PeekID()
	if err != nil {
		return nil, err
	}
	if id == proto.GZIPTypeID {
		var packed proto.GZIP
		if err := packed.Decode(b); err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		return DecodeObject(&bin.Buffer{Buf: packed.Data})
	}
	fn, ok := constructors[id]
	if !ok {
		return nil, errors.Errorf("unknown type id %#x", id)
	}
	v := fn()
	if err := v.Decode(b); err != nil {
		return nil, errors.Wrapf(err, "decode %T", v)
	}
	return v, nil
}

// Decode decodes a single object from data.
func Decode(data []byte) (Object, error) {
	return DecodeObject(&bin.Buffer{Buf: data})
}

// Encode serializes v into a fresh byte slice.
func Encode(v bin.Encoder) ([]byte, error) {
	if v == nil {
		return nil, errors.New("nil object")
	}
	var b bin.Buffer
	if err := v.Encode(&b); err != nil {
		return nil, err
	}
	return b.Raw(), nil
}

// Peek returns the type id at the start of data.
func Peek(data []byte) (uint32, error) {
	b := bin.Buffer{Buf: data}
	return b.PeekID()
}

// Raw is an already encoded object. It stands in for the wrapped query of
// invokeWithLayer and initConnection, whose type is only known once the
// wrapper is decoded.
type Raw struct {
	Data []byte
}

func (r *Raw) Encode(b *bin.Buffer) error {
	if len(r.Data) < bin.Word {
		return errors.New("raw object is empty")
	}
	b.Put(r.Data)
	return nil
}

// Decode consumes the rest of b.
func (r *Raw) Decode(b *bin.Buffer) error {
	r.Data = append(r.Data[:0], b.Buf...)
	b.Buf = b.Buf[len(b.Buf):]
	return nil
}

// Query decodes the query wrapped by invokeWithLayer or initConnection.
func Query(v bin.Object) (Object, error) {
	switch q := v.(type) {
	case *Raw:
		return Decode(q.Data)
	case Object:
		return q, nil
	default:
		return nil, errors.Errorf("unexpected query %T", v)
	}
}

// Result decodes an rpc_result and returns its raw answer.
func Result(data []byte) (*proto.Result, error) {
	var res proto.Result
	if err := res.Decode(&bin.Buffer{Buf: data}); err != nil {
		return nil, errors.Wrap(err, "decode rpc_result")
	}
	return &res, nil
}
