package remote

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/net/context"
	"google.golang.org/api/iterator"

	"github.com/coffer-backup/coffer/cerrors"
)

// GCSOptions configures a GCS-backed repository.Storage, generalizing
// storage.GCSOptions (storage/gcs.go) by dropping the bandwidth-limit
// fields (handled instead by a caller-supplied rate-limited
// http.Client, since that concern belongs at the transport layer, not
// baked into this Storage) and adding the key detail this layer needs
// that the teacher's single-Backend design didn't: a path prefix so
// multiple repositories can share one bucket.
type GCSOptions struct {
	BucketName string
	ProjectID  string
	// Location is used only if the bucket doesn't already exist.
	// Defaults to "us-central1" if empty, matching the teacher.
	Location string
	// Prefix namespaces this repository's objects within the bucket.
	Prefix string
}

// GCS is a repository.Storage backed by a Google Cloud Storage bucket.
type GCS struct {
	ctx    context.Context
	client *gcs.Client
	bucket *gcs.BucketHandle
	prefix string
}

// NewGCS returns a GCS Storage, creating the bucket if it doesn't
// exist yet — the same bucket-creation dance as storage.NewGCS.
func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Transient, err, "create GCS client")
	}

	bucket := client.Bucket(opts.BucketName)
	if _, err := bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := opts.Location
		if loc == "" {
			loc = "us-central1"
		}
		if opts.ProjectID == "" {
			return nil, cerrors.New(cerrors.User, "GCS project id required to create a new bucket")
		}
		if err := bucket.Create(ctx, opts.ProjectID, &gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, cerrors.Wrap(cerrors.Transient, err, "create GCS bucket")
		}
	} else if err != nil {
		return nil, cerrors.Wrap(cerrors.Transient, err, "stat GCS bucket")
	}

	return &GCS{ctx: ctx, client: client, bucket: bucket, prefix: opts.Prefix}, nil
}

func (g *GCS) String() string { return "gs://" + g.prefix }

func (g *GCS) segmentName(name string) string { return g.prefix + "segments/" + name }
func (g *GCS) metaName(name string) string    { return g.prefix + "metadata/" + name }

type gcsSegmentWriter struct {
	g    *GCS
	name string
	buf  bytes.Buffer
}

func (w *gcsSegmentWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *gcsSegmentWriter) Close() error {
	obj := w.g.bucket.Object(w.name)
	ow := obj.NewWriter(w.g.ctx)
	ow.ChunkSize = 256 * 1024
	if _, err := io.Copy(ow, bytes.NewReader(w.buf.Bytes())); err != nil {
		ow.Close()
		return cerrors.Wrap(cerrors.Transient, err, "upload segment")
	}
	if err := ow.Close(); err != nil {
		return cerrors.Wrap(cerrors.Transient, err, "finalize segment upload")
	}
	return nil
}

func (g *GCS) CreateSegment(name string) (io.WriteCloser, error) {
	obj := g.bucket.Object(g.segmentName(name))
	if _, err := obj.Attrs(g.ctx); err == nil {
		return nil, cerrors.New(cerrors.Consistency, "segment already exists")
	}
	return &gcsSegmentWriter{g: g, name: g.segmentName(name)}, nil
}

func (g *GCS) OpenSegment(name string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(g.segmentName(name)).NewReader(g.ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Transient, err, "open segment")
	}
	return r, nil
}

func (g *GCS) ListSegments() ([]string, error) {
	prefix := g.segmentName("")
	var names []string
	it := g.bucket.Objects(g.ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, cerrors.Wrap(cerrors.Transient, err, "list segments")
		}
		names = append(names, strings.TrimPrefix(obj.Name, prefix))
	}
	sort.Strings(names)
	return names, nil
}

func (g *GCS) RemoveSegment(name string) error {
	if err := g.bucket.Object(g.segmentName(name)).Delete(g.ctx); err != nil {
		return cerrors.Wrap(cerrors.Transient, err, "delete segment")
	}
	return nil
}

func (g *GCS) WriteMetadata(name string, data []byte) error {
	obj := g.bucket.Object(g.metaName(name))
	if _, err := obj.Attrs(g.ctx); err == nil {
		return cerrors.New(cerrors.Consistency, name+": metadata already exists")
	}
	w := obj.NewWriter(g.ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return cerrors.Wrap(cerrors.Transient, err, "upload metadata")
	}
	if err := w.Close(); err != nil {
		return cerrors.Wrap(cerrors.Transient, err, "finalize metadata upload")
	}
	return nil
}

func (g *GCS) ReadMetadata(name string) ([]byte, error) {
	r, err := g.bucket.Object(g.metaName(name)).NewReader(g.ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Transient, err, "open metadata")
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Transient, err, "read metadata")
	}
	return data, nil
}

func (g *GCS) MetadataExists(name string) bool {
	_, err := g.bucket.Object(g.metaName(name)).Attrs(g.ctx)
	return err == nil
}

func (g *GCS) ListMetadata() (map[string]time.Time, error) {
	prefix := g.metaName("")
	out := make(map[string]time.Time)
	it := g.bucket.Objects(g.ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, cerrors.Wrap(cerrors.Transient, err, "list metadata")
		}
		out[strings.TrimPrefix(obj.Name, prefix)] = obj.Created
	}
	return out, nil
}

func (g *GCS) RemoveMetadata(name string) error {
	if err := g.bucket.Object(g.metaName(name)).Delete(g.ctx); err != nil {
		return cerrors.Wrap(cerrors.Transient, err, "delete metadata")
	}
	return nil
}
