package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/davidahmann/arcana/pkg/types"
)

// ObjectPutter is the slice of the S3 client the exporter uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3BundleExporter writes replay artifacts as JSON objects under a prefix.
type S3BundleExporter struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewS3BundleExporter(client ObjectPutter, bucket, prefix string) (*S3BundleExporter, error) {
	if client == nil {
		return nil, fmt.Errorf("missing s3 client")
	}
	if bucket == "" {
		return nil, fmt.Errorf("missing bucket")
	}
	return &S3BundleExporter{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// NewS3BundleExporterFromEnv builds the client from the default AWS
// credential chain.
func NewS3BundleExporterFromEnv(ctx context.Context, region, bucket, prefix string) (*S3BundleExporter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3BundleExporter(s3.NewFromConfig(cfg), bucket, prefix)
}

func (e *S3BundleExporter) Key(replayID string) string {
	if e.prefix == "" {
		return replayID + ".json"
	}
	return e.prefix + "/" + replayID + ".json"
}

func (e *S3BundleExporter) Export(ctx context.Context, replay types.ReplayArtifact) (string, error) {
	body, err := json.MarshalIndent(replay, "", "  ")
	if err != nil {
		return "", err
	}
	key := e.Key(replay.ReplayID)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", e.bucket, key), nil
}
