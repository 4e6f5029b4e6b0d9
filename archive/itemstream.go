package archive

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/chunker"
	"github.com/coffer-backup/coffer/crypto"
)

// itemStreamFlushThreshold is the buffer size spec.md §4.6 Create calls
// out ("when the buffer crosses a threshold, chunk and PUT it"),
// separate from the file-content chunker's own boundaries since item
// records are small, fixed-ish-size gob records rather than arbitrary
// file bytes.
const itemStreamFlushThreshold = 256 * 1024

// itemWriter accumulates serialised Item records and periodically
// chunks and stores the accumulated bytes as ordinary objects, per
// spec.md §3 Item stream: "the list of items is itself serialised into
// a byte stream, chunked by the same chunker, and stored as ordinary
// objects."
type itemWriter struct {
	store     *objectStore
	chunkerP  chunker.Params
	c         *chunker.Chunker
	buf       bytes.Buffer
	enc       *gob.Encoder
	streamIDs []crypto.ID
}

func newItemWriter(store *objectStore, params chunker.Params) *itemWriter {
	w := &itemWriter{store: store, chunkerP: params, c: chunker.New(params)}
	w.enc = gob.NewEncoder(&w.buf)
	return w
}

func (w *itemWriter) Append(it Item) error {
	if err := w.enc.Encode(it); err != nil {
		return cerrors.Wrap(cerrors.Integrity, err, "gob encode")
	}
	if w.buf.Len() >= itemStreamFlushThreshold {
		if err := w.cut(); err != nil {
			return err
		}
	}
	return nil
}

// cut feeds the buffered bytes through the chunker, storing each
// completed chunk immediately, the same "stream through the chunker,
// store as you go" flow Create uses for file content.
func (w *itemWriter) cut() error {
	for _, chunk := range w.c.Write(w.buf.Bytes()) {
		id, _, _, err := w.store.PutChunk(chunk)
		if err != nil {
			return err
		}
		w.streamIDs = append(w.streamIDs, id)
	}
	w.buf.Reset()
	return nil
}

// Finish flushes any buffered-but-not-yet-chunked bytes and returns the
// ordered list of meta-chunk ids for the archive object.
func (w *itemWriter) Finish() ([]crypto.ID, error) {
	if err := w.cut(); err != nil {
		return nil, err
	}
	if final := w.c.Flush(); final != nil {
		id, _, _, err := w.store.PutChunk(final)
		if err != nil {
			return nil, err
		}
		w.streamIDs = append(w.streamIDs, id)
	}
	return w.streamIDs, nil
}

// readItemStream fetches and decrypts every meta-chunk named by ids, in
// order, concatenates their plaintext, and decodes the resulting byte
// stream back into Items.
func readItemStream(store *objectStore, ids []crypto.ID) ([]Item, error) {
	var all []byte
	for _, id := range ids {
		plain, err := store.GetChunk(id)
		if err != nil {
			return nil, err
		}
		all = append(all, plain...)
	}

	// Every Append call encoded its Item through the itemWriter's one
	// gob.Encoder, so the concatenation is a single gob stream (type
	// definitions sent once, then one self-delimited message per Item)
	// and a single Decoder reading it decodes exactly one Item per call
	// until it runs out of messages.
	var items []Item
	dec := gob.NewDecoder(bytes.NewReader(all))
	for {
		var it Item
		err := dec.Decode(&it)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cerrors.Wrap(cerrors.Integrity, err, "decode item stream")
		}
		items = append(items, it)
	}
	return items, nil
}
