package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/security"
)

// StorageCredentials is the decrypted shape of a storage_connections
// record. Endpoint is set for S3-compatible services (MinIO, LocalStack)
// and forces path-style addressing.
type StorageCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint,omitempty"`
}

// CredentialScope derives the encryption scope for a named storage
// connection. Writers and the adapter must agree on it.
func CredentialScope(name string) string {
	return "storage-connection:" + name
}

// Storage uploads the payload as a JSON object to S3. Destination
// config: connection (storage_connections name, required), bucket
// (required), key (template rendered against the payload, required).
type Storage struct {
	db     *database.DB
	crypto *security.EncryptionService
}

// NewStorage builds the storage adapter.
func NewStorage(db *database.DB, crypto *security.EncryptionService) *Storage {
	return &Storage{db: db, crypto: crypto}
}

// Deliver implements Destination.
func (s *Storage) Deliver(ctx context.Context, route *models.Route, payload models.JSONMap) (*Result, error) {
	cfg := route.DestinationConfig
	connection := configString(cfg, "connection")
	if connection == "" {
		return nil, hardErr("storage", 0, errors.New("destination config is missing connection"))
	}
	bucket := configString(cfg, "bucket")
	if bucket == "" {
		return nil, hardErr("storage", 0, errors.New("destination config is missing bucket"))
	}
	keyTemplate := configString(cfg, "key")
	if keyTemplate == "" {
		return nil, hardErr("storage", 0, errors.New("destination config is missing key"))
	}
	key := RenderTemplate(keyTemplate, payload)

	creds, err := s.loadCredentials(ctx, connection)
	if err != nil {
		return nil, err
	}
	uploader, err := s.uploader(ctx, creds)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, hardErr("storage", 0, errors.Wrap(err, "failed to encode payload"))
	}
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, transientErr("storage", 0, errors.Wrapf(err, "failed to upload s3://%s/%s", bucket, key))
	}
	return &Result{Status: 200, Body: fmt.Sprintf("s3://%s/%s", bucket, key)}, nil
}

func (s *Storage) loadCredentials(ctx context.Context, name string) (*StorageCredentials, error) {
	var conn models.StorageConnection
	found, err := s.db.One(ctx, &conn,
		`SELECT id, name, provider, config_encrypted, created_at FROM storage_connections WHERE name = ?`, name)
	if err != nil {
		return nil, transientErr("storage", 0, errors.Wrap(err, "failed to load storage connection"))
	}
	if !found {
		return nil, hardErr("storage", 0, errors.Errorf("storage connection %q does not exist", name))
	}
	var creds StorageCredentials
	if err := s.crypto.DecryptJSON(conn.ConfigEncrypted, CredentialScope(name), &creds); err != nil {
		return nil, hardErr("storage", 0, errors.Wrapf(err, "failed to decrypt storage connection %q", name))
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, hardErr("storage", 0, errors.Errorf("storage connection %q has incomplete credentials", name))
	}
	return &creds, nil
}

func (s *Storage) uploader(ctx context.Context, creds *StorageCredentials) (*manager.Uploader, error) {
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, hardErr("storage", 0, errors.Wrap(err, "failed to build AWS config"))
	}

	var s3Options []func(*s3.Options)
	if creds.Endpoint != "" {
		endpoint := creds.Endpoint
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Options...)
	return manager.NewUploader(client), nil
}
