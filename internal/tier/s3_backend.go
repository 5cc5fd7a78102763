package tier

import (
	"bytes"
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
)

// S3Backend is a CASBackend over an S3-compatible bucket, used as the
// second durable tier the ReplicationManager fans out to (spec §4.8).
// Object keys are the CID string itself; "pinned" is modeled as an object
// tag rather than a delete-on-unpin, again keeping GC out of scope.
type S3Backend struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
}

// NewS3Backend builds an S3Backend against bucket using client.
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
	}
}

func (b *S3Backend) Has(ctx context.Context, id cid.CID) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id.String()),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *S3Backend) Get(ctx context.Context, id cid.CID) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := b.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id.String()),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, caserr.ErrNotFound
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *S3Backend) Put(ctx context.Context, data []byte) (cid.CID, error) {
	id := cid.New(data)
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id.String()),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *S3Backend) Pin(ctx context.Context, id cid.CID) error {
	_, err := b.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id.String()),
		Tagging: &types.Tagging{
			TagSet: []types.Tag{{Key: aws.String("pinned"), Value: aws.String("true")}},
		},
	})
	return err
}

func (b *S3Backend) Unpin(ctx context.Context, id cid.CID) error {
	_, err := b.client.DeleteObjectTagging(ctx, &s3.DeleteObjectTaggingInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id.String()),
	})
	return err
}

// Id confirms bucket reachability by asking for its location; a cheap,
// read-only call that doesn't require listing contents.
func (b *S3Backend) Id(ctx context.Context) (string, error) {
	out, err := b.client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return "", err
	}
	return string(out.LocationConstraint), nil
}

func isNotFound(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == 404
	}
	return false
}
