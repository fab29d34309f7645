package credentials

import (
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7/pkg/s3utils"
)

// S3Path is a parsed s3://bucket/key URI. Key carries no leading or trailing slash.
type S3Path struct {
	Bucket string
	Key    string
}

// ParseS3Path parses and validates an s3:// URI.
func ParseS3Path(uri string) (S3Path, error) {
	const scheme = "s3://"
	if !strings.HasPrefix(uri, scheme) {
		return S3Path{}, fmt.Errorf("dataset path %q is not an s3:// URI", uri)
	}
	rest := strings.TrimPrefix(uri, scheme)
	bucket, key, _ := strings.Cut(rest, "/")
	if err := s3utils.CheckValidBucketNameStrict(bucket); err != nil {
		return S3Path{}, fmt.Errorf("dataset path %q: %w", uri, err)
	}
	key = strings.Trim(key, "/")
	if key == "" {
		return S3Path{}, fmt.Errorf("dataset path %q has no key", uri)
	}
	return S3Path{Bucket: bucket, Key: key}, nil
}

func (p S3Path) String() string {
	return "s3://" + p.Bucket + "/" + p.Key
}
