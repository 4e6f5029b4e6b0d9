// Package rpc implements the wire protocol spec.md §6 calls out for
// remote repositories: a gob-framed request/response envelope run over
// any io.Reader/io.Writer pair (in practice, the stdin/stdout pipes of
// a helper process spawned at the far end of an SSH connection — this
// package implements the codec; actually spawning `ssh` is explicitly
// out of scope per SPEC_FULL.md §4).
//
// The framing idiom — gob-encode a value, then roundtrip it — is lifted
// from the teacher's storage/encrypted.go toEncryptedLog path, which
// gob-encodes a []encpair and writes it through the same encrypting
// Backend it's logging about. Here the gob value is a request or
// response envelope instead of a log record, but the "just gob.Encode
// onto the wire" instinct is the same.
package rpc

import (
	"bytes"
	"encoding/gob"
	"io"
	"sync"
	"time"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/repository"
)

// Op names one repository.Storage method.
type Op string

const (
	OpCreateSegment  Op = "CreateSegment"
	OpOpenSegment    Op = "OpenSegment"
	OpListSegments   Op = "ListSegments"
	OpRemoveSegment  Op = "RemoveSegment"
	OpWriteMetadata  Op = "WriteMetadata"
	OpReadMetadata   Op = "ReadMetadata"
	OpMetadataExists Op = "MetadataExists"
	OpListMetadata   Op = "ListMetadata"
	OpRemoveMetadata Op = "RemoveMetadata"
)

// Request is one call's wire representation: Op selects the method,
// Name is the segment/metadata name argument (empty when not
// applicable), and Data carries a segment's full contents for
// CreateSegment or a metadata blob for WriteMetadata.
type Request struct {
	Op   Op
	Name string
	Data []byte
}

// Response carries back whatever the called method returned, plus an
// error string (gob can't carry an error interface across the wire
// without registering concrete types, so it's flattened to a string
// and rehydrated as a cerrors.Transient on the client side — the
// original error's tag is not carried across).
type Response struct {
	Data    []byte
	Names   []string
	Exists  bool
	Times   map[string]time.Time
	ErrText string
}

// Server drives a repository.Storage in response to Requests read from
// r, writing a Response for each one to w, until r reaches EOF.
type Server struct {
	storage repository.Storage
	dec     *gob.Decoder
	enc     *gob.Encoder
	mu      sync.Mutex
}

func NewServer(storage repository.Storage, r io.Reader, w io.Writer) *Server {
	return &Server{storage: storage, dec: gob.NewDecoder(r), enc: gob.NewEncoder(w)}
}

// Serve handles requests until the connection closes, returning nil on
// a clean EOF.
func (s *Server) Serve() error {
	for {
		var req Request
		if err := s.dec.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return cerrors.Wrap(cerrors.Transient, err, "decode rpc request")
		}
		resp := s.handle(req)
		s.mu.Lock()
		err := s.enc.Encode(resp)
		s.mu.Unlock()
		if err != nil {
			return cerrors.Wrap(cerrors.Transient, err, "encode rpc response")
		}
	}
}

func (s *Server) handle(req Request) Response {
	switch req.Op {
	case OpCreateSegment:
		w, err := s.storage.CreateSegment(req.Name)
		if err != nil {
			return errResponse(err)
		}
		if _, err := w.Write(req.Data); err != nil {
			w.Close()
			return errResponse(err)
		}
		if err := w.Close(); err != nil {
			return errResponse(err)
		}
		return Response{}

	case OpOpenSegment:
		rc, err := s.storage.OpenSegment(req.Name)
		if err != nil {
			return errResponse(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return errResponse(err)
		}
		return Response{Data: data}

	case OpListSegments:
		names, err := s.storage.ListSegments()
		if err != nil {
			return errResponse(err)
		}
		return Response{Names: names}

	case OpRemoveSegment:
		if err := s.storage.RemoveSegment(req.Name); err != nil {
			return errResponse(err)
		}
		return Response{}

	case OpWriteMetadata:
		if err := s.storage.WriteMetadata(req.Name, req.Data); err != nil {
			return errResponse(err)
		}
		return Response{}

	case OpReadMetadata:
		data, err := s.storage.ReadMetadata(req.Name)
		if err != nil {
			return errResponse(err)
		}
		return Response{Data: data}

	case OpMetadataExists:
		return Response{Exists: s.storage.MetadataExists(req.Name)}

	case OpListMetadata:
		times, err := s.storage.ListMetadata()
		if err != nil {
			return errResponse(err)
		}
		return Response{Times: times}

	case OpRemoveMetadata:
		if err := s.storage.RemoveMetadata(req.Name); err != nil {
			return errResponse(err)
		}
		return Response{}

	default:
		return Response{ErrText: "unrecognized rpc op: " + string(req.Op)}
	}
}

func errResponse(err error) Response { return Response{ErrText: err.Error()} }

// Client implements repository.Storage by forwarding every call across
// an rpc.Server connection. Calls are serialized with a mutex since the
// underlying pipe is a single request/response stream with no
// multiplexing, matching the single-writer assumption spec.md's
// Non-goals already place on a repository.
type Client struct {
	mu   sync.Mutex
	dec  *gob.Decoder
	enc  *gob.Encoder
	name string
}

func NewClient(name string, r io.Reader, w io.Writer) *Client {
	return &Client{name: name, dec: gob.NewDecoder(r), enc: gob.NewEncoder(w)}
}

func (c *Client) call(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(req); err != nil {
		return Response{}, cerrors.Wrap(cerrors.Transient, err, "send rpc request")
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return Response{}, cerrors.Wrap(cerrors.Transient, err, "receive rpc response")
	}
	if resp.ErrText != "" {
		return Response{}, cerrors.New(cerrors.Transient, resp.ErrText)
	}
	return resp, nil
}

func (c *Client) String() string { return "rpc: " + c.name }

func (c *Client) CreateSegment(name string) (io.WriteCloser, error) {
	return &clientSegmentWriter{client: c, name: name}, nil
}

type clientSegmentWriter struct {
	client *Client
	name   string
	buf    bytes.Buffer
}

func (w *clientSegmentWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *clientSegmentWriter) Close() error {
	_, err := w.client.call(Request{Op: OpCreateSegment, Name: w.name, Data: w.buf.Bytes()})
	return err
}

func (c *Client) OpenSegment(name string) (io.ReadCloser, error) {
	resp, err := c.call(Request{Op: OpOpenSegment, Name: name})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(resp.Data)), nil
}

func (c *Client) ListSegments() ([]string, error) {
	resp, err := c.call(Request{Op: OpListSegments})
	if err != nil {
		return nil, err
	}
	return resp.Names, nil
}

func (c *Client) RemoveSegment(name string) error {
	_, err := c.call(Request{Op: OpRemoveSegment, Name: name})
	return err
}

func (c *Client) WriteMetadata(name string, data []byte) error {
	_, err := c.call(Request{Op: OpWriteMetadata, Name: name, Data: data})
	return err
}

func (c *Client) ReadMetadata(name string) ([]byte, error) {
	resp, err := c.call(Request{Op: OpReadMetadata, Name: name})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) MetadataExists(name string) bool {
	resp, err := c.call(Request{Op: OpMetadataExists, Name: name})
	if err != nil {
		return false
	}
	return resp.Exists
}

func (c *Client) ListMetadata() (map[string]time.Time, error) {
	resp, err := c.call(Request{Op: OpListMetadata})
	if err != nil {
		return nil, err
	}
	return resp.Times, nil
}

func (c *Client) RemoveMetadata(name string) error {
	_, err := c.call(Request{Op: OpRemoveMetadata, Name: name})
	return err
}
