// Package publish uploads finished images to object storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/c2h5oh/datasize"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"google.golang.org/api/option"

	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/telemetry"
)

// ErrNoBucket is returned when publishing is requested without a bucket.
var ErrNoBucket = errors.New("no bucket configured")

// Store opens object writers. The object is committed when the writer is
// closed without error.
type Store interface {
	NewWriter(ctx context.Context, object string) io.WriteCloser
}

// GCS is a Store backed by a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS connects to bucket. An empty credentialsFile uses application
// default credentials.
func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	if bucket == "" {
		return nil, ErrNoBucket
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating cloud storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) NewWriter(ctx context.Context, object string) io.WriteCloser {
	return g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// Options configure a Publisher.
type Options struct {
	Fs     afero.Fs
	Store  Store
	Logger log.LibraryLogger

	Prefix   string // object name prefix, e.g. "images/"
	Compress bool   // zstd compress and append .zst
}

// Publisher uploads local files to a Store.
type Publisher struct {
	fs       afero.Fs
	store    Store
	logger   log.LibraryLogger
	prefix   string
	compress bool
}

// New creates a Publisher.
func New(opts Options) *Publisher {
	p := &Publisher{
		fs:       opts.Fs,
		store:    opts.Store,
		logger:   opts.Logger,
		prefix:   opts.Prefix,
		compress: opts.Compress,
	}
	if p.logger == nil {
		p.logger = log.NoOpLogger{}
	}
	return p
}

// ObjectName returns the object a local file is uploaded to.
func (p *Publisher) ObjectName(local string) string {
	name := path.Join(p.prefix, filepath.Base(local))
	if p.compress {
		name += ".zst"
	}
	return name
}

// Publish uploads the file at local and returns the object name. A failed
// upload is aborted, leaving no partial object behind.
func (p *Publisher) Publish(ctx context.Context, local string) (string, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "publish.upload")
	defer span.End()

	f, err := p.fs.Open(local)
	if err != nil {
		return "", err
	}
	defer f.Close()

	object := p.ObjectName(local)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := p.store.NewWriter(ctx, object)
	n, err := p.copy(w, f)
	if err != nil {
		// cancelling before Close discards the object
		cancel()
		w.Close()
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}

	p.logger.Info("Published %s (%s) to %s", local, datasize.ByteSize(n).HumanReadable(), object)
	return object, nil
}

func (p *Publisher) copy(w io.Writer, r io.Reader) (int64, error) {
	if !p.compress {
		return io.Copy(w, r)
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, err
	}
	n, err := enc.ReadFrom(r)
	if err != nil {
		enc.Close()
		return n, err
	}
	return n, enc.Close()
}
