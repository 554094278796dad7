// Package s3 将输出工件上传到 S3 兼容对象存储（AWS S3、MinIO 等）。
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"surprisal/pkg/contract"
)

// Options: 对象存储输出配置。
type Options struct {
	Bucket string `json:"bucket"`
	// Prefix: 键前缀（如 "runs/2024"），与工件名以 "/" 连接。
	Prefix string `json:"prefix"`
	// Region: 默认 "us-east-1"。
	Region string `json:"region"`
	// Endpoint: 自定义端点（MinIO 等）；设置后启用 path-style。
	Endpoint string `json:"endpoint"`
	// AccessKey/SecretKey: 为空时走默认凭据链（环境变量、共享配置、IAM）。
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	// ContentType: 默认 "text/csv"。
	ContentType string `json:"content_type"`
}

// uploader: manager.Uploader 的最小子集（测试可替换）。
type uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type Writer struct {
	bucket      string
	prefix      string
	contentType string
	up          uploader
}

var _ contract.Writer = (*Writer)(nil)

// New 按配置加载 AWS 配置并创建分片上传器。
func New(ctx context.Context, opts *Options) (*Writer, error) {
	if opts == nil || strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("s3: bucket required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	lo := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		lo = append(lo, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, lo...)
	if err != nil {
		return nil, fmt.Errorf("s3: loading aws config: %w", err)
	}
	var so []func(*s3.Options)
	if opts.Endpoint != "" {
		so = append(so, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, so...)
	return newWithUploader(opts, manager.NewUploader(client)), nil
}

func newWithUploader(opts *Options, up uploader) *Writer {
	ct := opts.ContentType
	if ct == "" {
		ct = "text/csv"
	}
	return &Writer{
		bucket:      opts.Bucket,
		prefix:      strings.Trim(opts.Prefix, "/"),
		contentType: ct,
		up:          up,
	}
}

// Key 返回工件对应的对象键；越界名返回 ErrPathInvalid。
func (w *Writer) Key(id contract.ArtifactID) (string, error) {
	rel := path.Clean(strings.ReplaceAll(string(id), "\\", "/"))
	if rel == "." || rel == "/" || rel == ".." || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: artifact %q", contract.ErrPathInvalid, string(id))
	}
	if w.prefix == "" {
		return rel, nil
	}
	return w.prefix + "/" + rel, nil
}

// Write 流式上传；上传失败时对象存储不会出现该键（分片上传未完成即中止）。
func (w *Writer) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	key, err := w.Key(id)
	if err != nil {
		return err
	}
	if _, err := w.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(w.contentType),
	}); err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return nil
}
