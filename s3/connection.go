package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the S3 (or S3 compatible, e.g. minio) endpoint settings.
type Config struct {
	// HostEndpointURL e.g. "http://127.0.0.1:9000". Empty uses the AWS endpoint of Region.
	HostEndpointURL string `json:"host_endpoint_url,omitempty" yaml:"host_endpoint_url,omitempty"`
	// Region e.g. "us-east-1".
	Region   string `json:"region" yaml:"region"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	// UsePathStyle addresses buckets as <endpoint>/<bucket>, as minio expects.
	UsePathStyle bool `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty"`
}

// API is the subset of the S3 client the store uses. *s3.Client implements it.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ API = (*s3.Client)(nil)

// Connect returns a client of the configured endpoint. Static credentials are used when Username is set.
func Connect(config Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		if config.HostEndpointURL != "" {
			o.BaseEndpoint = aws.String(config.HostEndpointURL)
		}
		if config.Username != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
		}
		o.UsePathStyle = config.UsePathStyle
	})
}
