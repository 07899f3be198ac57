package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"noetl.io/noetl/internal/noetlerr"
)

// Transfer moves an object to or from S3-compatible object storage (§6
// tool kind `transfer`), exercising the `hmac` credential type (service
// gcs|s3, key_id, secret_key, scope). Grounded on aws-sdk-go-v2's
// static-credentials-plus-manager pattern; the go-sdk itself is new to
// this package (the teacher has no object-storage transfer tool), wired
// in because the spec's `hmac` credential type needs a concrete consumer
// (§2.2 DOMAIN STACK). When no hmac alias is bound, falls back to
// config.LoadDefaultConfig's ambient credential chain.
type Transfer struct{}

func NewTransfer() *Transfer { return &Transfer{} }

func (t *Transfer) Kind() string { return "transfer" }

func (t *Transfer) Run(ctx context.Context, req Request) (Outcome, error) {
	bucket, _ := req.Config["bucket"].(string)
	key, _ := req.Config["key"].(string)
	direction, _ := req.Config["direction"].(string) // "upload" | "download"
	region, _ := req.Config["region"].(string)
	if bucket == "" || key == "" {
		return Outcome{}, noetlerr.Validation("transfer: config.bucket and config.key are required")
	}
	if region == "" {
		region = "us-east-1"
	}

	auth, ok := req.Auth["default"]
	if !ok {
		for _, a := range req.Auth {
			auth = a
			ok = true
			break
		}
	}
	if ok && auth.Type != "hmac" {
		return Outcome{}, noetlerr.Validation("transfer: an hmac-typed auth alias is required")
	}

	var creds aws.CredentialsProvider
	if ok {
		creds = awscreds.NewStaticCredentialsProvider(auth.Fields["key_id"], auth.Fields["secret_key"], "")
	} else {
		// No stored credential: fall back to the ambient chain (environment,
		// shared config file, EC2/ECS instance role), for deployments that
		// grant the process an IAM role instead of a keychain secret.
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return Outcome{}, noetlerr.Validation(fmt.Sprintf("transfer: no hmac auth alias and loading default AWS config failed: %v", err))
		}
		creds = cfg.Credentials
	}

	client := s3.New(s3.Options{
		Region:      region,
		Credentials: creds,
	})

	switch direction {
	case "upload":
		content, _ := req.Config["content"].(string)
		uploader := manager.NewUploader(client)
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   bytes.NewBufferString(content),
		})
		if err != nil {
			return Outcome{Retryable: true}, noetlerr.TransientInfra(fmt.Sprintf("transfer: upload failed: %v", err), err)
		}
		return Outcome{Result: map[string]any{"bucket": bucket, "key": key, "direction": "upload"}}, nil

	case "download":
		out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			return Outcome{Retryable: true}, noetlerr.TransientInfra(fmt.Sprintf("transfer: download failed: %v", err), err)
		}
		defer out.Body.Close()
		content, err := io.ReadAll(out.Body)
		if err != nil {
			return Outcome{Retryable: true}, noetlerr.TransientInfra(fmt.Sprintf("transfer: reading object: %v", err), err)
		}
		return Outcome{Result: map[string]any{"bucket": bucket, "key": key, "direction": "download", "content": string(content)}}, nil

	default:
		return Outcome{}, noetlerr.Validation(fmt.Sprintf("transfer: unknown direction %q", direction))
	}
}
