package store

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/smartsentry/sentry/internal/config"
)

// EvidenceBucket holds uploaded evidence files. Any gocloud bucket URL
// works; file:// and mem:// are registered here.
type EvidenceBucket struct {
	bucket *blob.Bucket
}

// OpenEvidenceBucket opens the bucket at url.
func OpenEvidenceBucket(ctx context.Context, url string) (*EvidenceBucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %s", url)
	}
	return &EvidenceBucket{bucket: b}, nil
}

// BucketParams defines the required parameters
type BucketParams struct {
	fx.In
	fx.Lifecycle

	Config *config.Config
}

func NewEvidenceBucket(params BucketParams) (*EvidenceBucket, error) {
	b, err := OpenEvidenceBucket(context.Background(), params.Config.Evidence.BucketURL)
	if err != nil {
		return nil, err
	}
	params.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return b.Close()
		},
	})
	return b, nil
}

// Put writes data under key.
func (b *EvidenceBucket) Put(ctx context.Context, key, contentType string, data []byte) error {
	err := b.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType})
	return errors.Wrapf(err, "write %s", key)
}

// Open returns a reader for key. A missing key yields ErrNotFound.
func (b *EvidenceBucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.bucket.NewReader(ctx, key, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	return r, nil
}

func (b *EvidenceBucket) Delete(ctx context.Context, key string) error {
	err := b.bucket.Delete(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return errors.Wrapf(err, "delete %s", key)
}

func (b *EvidenceBucket) Close() error {
	return b.bucket.Close()
}
