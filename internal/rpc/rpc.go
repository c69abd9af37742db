// Package rpc implements the narrow request-intake wire layer that
// accepts RPC requests over the network: a fixed-shape Request
// message decoded off a net.Conn using the protobuf wire format.
//
// There is no .proto file or generated *_pb.go here, so there is no
// codegen to run. Rather than hand-roll a bespoke binary framing,
// decoding is built directly on
// google.golang.org/protobuf/encoding/protowire's low-level
// AppendTag/ConsumeTag primitives, the same way generated code would
// use them internally, without requiring protoc.
package rpc

import (
	"fmt"
	"io"
	"net"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the wire-level Request message.
const (
	fieldTenant   = 1
	fieldRoute    = 2
	fieldDeadline = 3 // relative deadline, microseconds
	fieldBody     = 4
)

// Request is one decoded RPC request, as accepted by the dispatcher
// thread before it assigns the request to a worker.
type Request struct {
	Tenant            string
	Route             string
	RelativeDeadlineUS int64
	Body              []byte
}

// Encode serializes r into the wire format Decode expects. Used by
// tests and by any in-process client exercising the same codec the
// wire listener decodes.
func Encode(r Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTenant, protowire.BytesType)
	b = protowire.AppendString(b, r.Tenant)
	b = protowire.AppendTag(b, fieldRoute, protowire.BytesType)
	b = protowire.AppendString(b, r.Route)
	b = protowire.AppendTag(b, fieldDeadline, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.RelativeDeadlineUS))
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Body)
	return b
}

// Decode parses a wire-format Request from buf. Unknown fields are
// skipped (forward compatibility), matching protobuf's own wire
// semantics even though the message isn't generated from a .proto.
func Decode(buf []byte) (Request, error) {
	var r Request
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return r, fmt.Errorf("rpc: malformed tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch num {
		case fieldTenant:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return r, fmt.Errorf("rpc: malformed tenant field: %w", protowire.ParseError(n))
			}
			r.Tenant = v
			buf = buf[n:]
		case fieldRoute:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return r, fmt.Errorf("rpc: malformed route field: %w", protowire.ParseError(n))
			}
			r.Route = v
			buf = buf[n:]
		case fieldDeadline:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return r, fmt.Errorf("rpc: malformed deadline field: %w", protowire.ParseError(n))
			}
			r.RelativeDeadlineUS = int64(v)
			buf = buf[n:]
		case fieldBody:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return r, fmt.Errorf("rpc: malformed body field: %w", protowire.ParseError(n))
			}
			r.Body = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return r, fmt.Errorf("rpc: malformed unknown field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return r, nil
}

// ReadRequest reads one length-prefixed wire-format Request from r.
// The length prefix is itself a protobuf varint, so the framing and
// the payload share one codec rather than mixing in a separate
// fixed-width header.
func ReadRequest(r io.Reader) (Request, error) {
	var lenBuf [binaryMaxVarintLen]byte
	n, err := readVarint(r, lenBuf[:])
	if err != nil {
		return Request{}, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Request{}, fmt.Errorf("rpc: short read on payload: %w", err)
	}
	return Decode(payload)
}

const binaryMaxVarintLen = 10

// readVarint reads one byte at a time until the varint's continuation
// bit clears, then decodes it with protowire.ConsumeVarint.
func readVarint(r io.Reader, scratch []byte) (uint64, error) {
	n := 0
	for {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("rpc: reading length prefix: %w", err)
		}
		scratch[n] = b[0]
		n++
		if b[0]&0x80 == 0 || n >= len(scratch) {
			break
		}
	}
	v, m := protowire.ConsumeVarint(scratch[:n])
	if m < 0 {
		return 0, fmt.Errorf("rpc: malformed length prefix: %w", protowire.ParseError(m))
	}
	return v, nil
}

// WriteRequest writes r to w with a varint length prefix, the
// counterpart to ReadRequest.
func WriteRequest(w io.Writer, r Request) error {
	payload := Encode(r)
	lenBuf := protowire.AppendVarint(nil, uint64(len(payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Field numbers for the wire-level Response message.
const (
	fieldStatus = 1
	fieldBody2  = 2 // Response.Body; field 2 is reused across Request/Response, each decoded independently
)

// Response is the wire-format reply to a Request: an HTTP-style status
// code plus a body. Rejections and guest traps carry an empty Body;
// a 500 carries the error's text as its Body; the caller never sees a
// Go error value across the wire.
type Response struct {
	Status int32
	Body   []byte
}

// EncodeResponse serializes r into the wire format DecodeResponse
// expects.
func EncodeResponse(r Response) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(r.Status)))
	b = protowire.AppendTag(b, fieldBody2, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Body)
	return b
}

// DecodeResponse parses a wire-format Response from buf.
func DecodeResponse(buf []byte) (Response, error) {
	var r Response
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return r, fmt.Errorf("rpc: malformed response tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case fieldStatus:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return r, fmt.Errorf("rpc: malformed status field: %w", protowire.ParseError(n))
			}
			r.Status = int32(uint32(v))
			buf = buf[n:]
		case fieldBody2:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return r, fmt.Errorf("rpc: malformed response body field: %w", protowire.ParseError(n))
			}
			r.Body = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return r, fmt.Errorf("rpc: malformed unknown response field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return r, nil
}

// ReadResponse mirrors ReadRequest for the reply direction.
func ReadResponse(r io.Reader) (Response, error) {
	var lenBuf [binaryMaxVarintLen]byte
	n, err := readVarint(r, lenBuf[:])
	if err != nil {
		return Response{}, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Response{}, fmt.Errorf("rpc: short read on response payload: %w", err)
	}
	return DecodeResponse(payload)
}

// WriteResponse mirrors WriteRequest for the reply direction.
func WriteResponse(w io.Writer, r Response) error {
	payload := EncodeResponse(r)
	lenBuf := protowire.AppendVarint(nil, uint64(len(payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Handler processes one decoded Request and returns the Response to
// write back. It is called from the connection's own goroutine, so a
// Handler that blocks only holds up that one connection.
type Handler func(Request) Response

// Listener accepts connections on a net.Listener and, for each one,
// reads a single length-prefixed Request, invokes Handler, and writes
// back the Response before closing the connection. This is the
// dispatcher's network-facing half (the scheduling half lives in
// internal/dispatch); one request per connection keeps the framing
// simple and matches a serverless function runtime's short-lived
// invocation model.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener at addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the listener's bound network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until the listener is closed, handling
// each on its own goroutine. It always returns a non-nil error (the
// accept-loop termination error), matching net.Listener's own Accept
// contract.
func (l *Listener) Serve(handler Handler) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go serveConn(conn, handler)
	}
}

func serveConn(conn net.Conn, handler Handler) {
	defer conn.Close()
	req, err := ReadRequest(conn)
	if err != nil {
		return
	}
	resp := handler(req)
	_ = WriteResponse(conn, resp)
}
