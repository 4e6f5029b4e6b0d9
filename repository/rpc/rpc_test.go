package rpc

import (
	"io"
	"net"
	"testing"

	"github.com/coffer-backup/coffer/repository"
)

// newConnectedPair returns a Client wired to a Server running against
// storage, connected via a real net.Pipe so both sides can read/write
// concurrently without hand-rolled synchronization.
func newConnectedPair(t *testing.T, storage repository.Storage) *Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	server := NewServer(storage, serverConn, serverConn)
	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	return NewClient("test", clientConn, clientConn)
}

func TestClientServerSegmentRoundtrip(t *testing.T) {
	storage := repository.NewMemoryStorage()
	client := newConnectedPair(t, storage)

	w, err := client.CreateSegment("00000000.seg")
	if err != nil {
		t.Fatalf("create segment: %v", err)
	}
	if _, err := io.WriteString(w, "segment contents"); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close segment: %v", err)
	}

	names, err := client.ListSegments()
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(names) != 1 || names[0] != "00000000.seg" {
		t.Fatalf("unexpected segment list: %v", names)
	}

	rc, err := client.OpenSegment("00000000.seg")
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if string(data) != "segment contents" {
		t.Fatalf("segment contents mismatch: %q", data)
	}

	if err := client.RemoveSegment("00000000.seg"); err != nil {
		t.Fatalf("remove segment: %v", err)
	}
	names, err = client.ListSegments()
	if err != nil {
		t.Fatalf("list segments after remove: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no segments after remove, got %v", names)
	}
}

func TestClientServerMetadataRoundtrip(t *testing.T) {
	storage := repository.NewMemoryStorage()
	client := newConnectedPair(t, storage)

	if client.MetadataExists("manifest") {
		t.Fatalf("metadata should not exist yet")
	}
	if err := client.WriteMetadata("manifest", []byte("hello")); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if !client.MetadataExists("manifest") {
		t.Fatalf("metadata should exist after write")
	}

	data, err := client.ReadMetadata("manifest")
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("metadata contents mismatch: %q", data)
	}

	times, err := client.ListMetadata()
	if err != nil {
		t.Fatalf("list metadata: %v", err)
	}
	if _, ok := times["manifest"]; !ok {
		t.Fatalf("expected manifest in metadata listing")
	}

	if err := client.RemoveMetadata("manifest"); err != nil {
		t.Fatalf("remove metadata: %v", err)
	}
	if client.MetadataExists("manifest") {
		t.Fatalf("metadata should be gone after remove")
	}
}
