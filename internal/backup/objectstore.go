package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cairnml/cairn/internal/fault"
)

const (
	defaultAccessKeyEnv = "CAIRN_OBJECTSTORE_ACCESS_KEY"
	defaultSecretKeyEnv = "CAIRN_OBJECTSTORE_SECRET_KEY"

	digestMetadataKey = "Blake3"
)

type ObjectStoreOptions struct {
	Endpoint string
	Bucket   string
	// Prefix scopes all keys under one subtree of the bucket.
	Prefix string
	// AccessKeyEnv and SecretKeyEnv name the environment variables holding
	// credentials; credentials themselves never appear in configuration.
	AccessKeyEnv string
	SecretKeyEnv string
	Region       string
	UseSSL       bool
}

// ObjectStore keeps backups in an S3-compatible bucket, the layout used on
// cloud workspaces without a mounted drive. Content digests ride along as
// object metadata so unchanged files can be skipped without re-reading the
// remote content.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewObjectStore(opts ObjectStoreOptions) (*ObjectStore, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fault.Config("backup.objectstore.endpoint", "object store endpoint is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fault.Config("backup.objectstore.bucket", "object store bucket is required")
	}
	accessEnv := opts.AccessKeyEnv
	if accessEnv == "" {
		accessEnv = defaultAccessKeyEnv
	}
	secretEnv := opts.SecretKeyEnv
	if secretEnv == "" {
		secretEnv = defaultSecretKeyEnv
	}
	accessKey := os.Getenv(accessEnv)
	secretKey := os.Getenv(secretEnv)
	if accessKey == "" || secretKey == "" {
		return nil, fault.Config("backup.objectstore", "credentials missing: set %s and %s", accessEnv, secretEnv)
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &ObjectStore{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

func (o *ObjectStore) key(rel string) string {
	return path.Join(o.prefix, rel)
}

func (o *ObjectStore) relOf(key string) string {
	if o.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, o.prefix+"/")
}

func (o *ObjectStore) RemotePath(rel string) string {
	return "s3://" + path.Join(o.bucket, o.key(rel))
}

// Contains is always false: object keys are not local filesystem paths.
func (o *ObjectStore) Contains(string) bool {
	return false
}

func (o *ObjectStore) Put(ctx context.Context, rel, localFile, digest string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return fmt.Errorf("open %s: %w", localFile, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localFile, err)
	}
	_, err = o.client.PutObject(ctx, o.bucket, o.key(rel), f, info.Size(), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{digestMetadataKey: digest},
	})
	if err != nil {
		return fault.Transient("objectstore.put", err)
	}
	return nil
}

func (o *ObjectStore) Digest(ctx context.Context, rel string) (string, bool, error) {
	info, err := o.client.StatObject(ctx, o.bucket, o.key(rel), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", false, nil
		}
		return "", false, fault.Transient("objectstore.stat", err)
	}
	for k, v := range info.UserMetadata {
		if strings.EqualFold(k, digestMetadataKey) {
			return v, true, nil
		}
	}
	// Object exists but carries no digest (written by something else);
	// report found with an empty digest so the caller re-uploads.
	return "", true, nil
}

func (o *ObjectStore) Get(ctx context.Context, rel, localFile string) error {
	obj, err := o.client.GetObject(ctx, o.bucket, o.key(rel), minio.GetObjectOptions{})
	if err != nil {
		return fault.Transient("objectstore.get", err)
	}
	defer func() { _ = obj.Close() }()
	if err := os.MkdirAll(filepath.Dir(localFile), 0o755); err != nil {
		return fmt.Errorf("prepare restore dir: %w", err)
	}
	out, err := os.Create(localFile)
	if err != nil {
		return fmt.Errorf("create %s: %w", localFile, err)
	}
	if _, err := io.Copy(out, obj); err != nil {
		_ = out.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fault.NotFound(o.RemotePath(rel), "backup object missing")
		}
		return fault.Transient("objectstore.get", err)
	}
	return out.Close()
}

func (o *ObjectStore) List(ctx context.Context, rel string) ([]string, error) {
	// An exact object wins over a prefix listing, mirroring the file-vs-dir
	// distinction of the filesystem backend.
	if _, err := o.client.StatObject(ctx, o.bucket, o.key(rel), minio.StatObjectOptions{}); err == nil {
		return []string{rel}, nil
	} else if code := minio.ToErrorResponse(err).Code; code != "NoSuchKey" && code != "" {
		return nil, fault.Transient("objectstore.stat", err)
	}

	prefix := o.key(rel)
	if prefix != "" {
		prefix += "/"
	}
	var rels []string
	for obj := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fault.Transient("objectstore.list", obj.Err)
		}
		rels = append(rels, o.relOf(obj.Key))
	}
	return rels, nil
}
