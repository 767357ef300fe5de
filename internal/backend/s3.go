package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/nix-hub/nix-hub/internal/artifact"
	"github.com/nix-hub/nix-hub/internal/config"
)

// objectAPI 抽象出用到的 S3 客户端子集，便于测试注入假实现。
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// uploadAPI 抽象 manager.Uploader 的流式上传入口。
type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Backend 是可写的对象存储层：既作为读缓存参与层级回退，也接收
// 回源内容的写回。上传走 manager.Uploader 的分片流式通道，失败时
// 未完成的分片会被中止，不会留下可见的半成品对象。
type S3Backend struct {
	client   objectAPI
	uploader uploadAPI
	bucket   string
	prefix   string
}

// NewS3Backend 根据配置建立对象存储客户端。提供 AccessKeyID 时使用
// 静态凭证，否则沿用默认凭证链；自定义 Endpoint 时启用 path-style
// 寻址以兼容 MinIO 等实现。
func NewS3Backend(ctx context.Context, cfg config.S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

// Name 实现 Backend。
func (s *S3Backend) Name() string {
	return "store"
}

func (s *S3Backend) objectKey(key artifact.Key) string {
	return s.prefix + key.RequestPath()
}

// Fetch 实现 Backend。缺失键映射为 ErrNotFound，其余失败视为瞬时。
func (s *S3Backend) Fetch(ctx context.Context, key artifact.Key) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isMissingObject(err) {
			return nil, ErrNotFound
		}
		return nil, &TierError{Tier: s.Name(), Transient: true, Err: err}
	}

	size := SizeUnknown
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &Object{Body: out.Body, Size: size}, nil
}

// Stat 实现 Backend，基于 HeadObject。
func (s *S3Backend) Stat(ctx context.Context, key artifact.Key) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isMissingObject(err) {
			return 0, ErrNotFound
		}
		return 0, &TierError{Tier: s.Name(), Transient: true, Err: err}
	}

	if out.ContentLength != nil {
		return *out.ContentLength, nil
	}
	return SizeUnknown, nil
}

// Put 实现 Store。manager.Uploader 按分片读取 body 并在出错时中止
// 整个 multipart 上传，因此要么完整提交要么不可见；对同一 key 的
// 重复上传只是一次幂等覆盖。
func (s *S3Backend) Put(ctx context.Context, key artifact.Key, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        body,
		ContentType: aws.String(key.ContentType()),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key.RequestPath(), err)
	}
	return nil
}

// Delete 实现 Store。S3 对不存在的键返回成功，无需特殊处理。
func (s *S3Backend) Delete(ctx context.Context, key artifact.Key) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", key.RequestPath(), err)
	}
	return nil
}

// isMissingObject 识别对象缺失类错误：类型化的 NoSuchKey，以及
// HeadObject 无 body 响应时仅有的 "NotFound" 错误码。
func isMissingObject(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
