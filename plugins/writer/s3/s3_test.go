package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surprisal/pkg/contract"
)

type fakeUploader struct {
	bucket, key, ct string
	body            string
	err             error
}

func (f *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.bucket, f.key, f.ct, f.body = aws.ToString(in.Bucket), aws.ToString(in.Key), aws.ToString(in.ContentType), string(b)
	return &manager.UploadOutput{Location: "s3://" + f.bucket + "/" + f.key}, nil
}

func TestWrite_UploadsWithPrefix(t *testing.T) {
	fu := &fakeUploader{}
	w := newWithUploader(&Options{Bucket: "b", Prefix: "/runs/1/"}, fu)
	require.NoError(t, w.Write(context.Background(), "a_processed.csv", strings.NewReader("x,y\n")))
	assert.Equal(t, "b", fu.bucket)
	assert.Equal(t, "runs/1/a_processed.csv", fu.key)
	assert.Equal(t, "text/csv", fu.ct)
	assert.Equal(t, "x,y\n", fu.body)
}

func TestWrite_NoPrefix(t *testing.T) {
	fu := &fakeUploader{}
	w := newWithUploader(&Options{Bucket: "b", ContentType: "application/octet-stream"}, fu)
	require.NoError(t, w.Write(context.Background(), "sub/a.csv", strings.NewReader("")))
	assert.Equal(t, "sub/a.csv", fu.key)
	assert.Equal(t, "application/octet-stream", fu.ct)
}

func TestWrite_UploadError(t *testing.T) {
	boom := errors.New("boom")
	w := newWithUploader(&Options{Bucket: "b"}, &fakeUploader{err: boom})
	err := w.Write(context.Background(), "a.csv", strings.NewReader("x"))
	assert.ErrorIs(t, err, boom)
}

func TestKey_Invalid(t *testing.T) {
	w := newWithUploader(&Options{Bucket: "b"}, &fakeUploader{})
	for _, id := range []contract.ArtifactID{"../a.csv", "/a.csv", ""} {
		_, err := w.Key(id)
		assert.True(t, errors.Is(err, contract.ErrPathInvalid), "%q", id)
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), &Options{})
	assert.Error(t, err)
}

func TestNew_StaticCredentials(t *testing.T) {
	w, err := New(context.Background(), &Options{Bucket: "b", Endpoint: "http://127.0.0.1:9000", AccessKey: "ak", SecretKey: "sk"})
	require.NoError(t, err)
	assert.NotNil(t, w.up)
}
