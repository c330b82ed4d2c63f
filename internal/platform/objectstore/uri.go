package objectstore

import (
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the canonical scheme for artifact URIs.
const Scheme = "s3"

// IsStoreScheme reports whether scheme addresses the artifact store. The
// aliases all resolve to the same backend.
func IsStoreScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "s3", "s3a", "s3n", "minio":
		return true
	default:
		return false
	}
}

// URI renders {scheme}://{bucket}/{key}.
func URI(bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", Scheme, bucket, strings.TrimLeft(key, "/"))
}

// ParseURI splits a store URI into bucket and key. URIs without a store
// scheme are treated as keys in defaultBucket.
func ParseURI(uri, defaultBucket string) (string, string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", "", fmt.Errorf("uri cannot be empty")
	}

	var bucket, key string
	if u, err := url.Parse(uri); err == nil && IsStoreScheme(u.Scheme) {
		bucket = u.Host
		if bucket == "" {
			bucket = defaultBucket
		}
		key = strings.TrimLeft(u.Path, "/")
	} else {
		bucket = defaultBucket
		key = strings.TrimLeft(uri, "/")
	}

	if bucket == "" {
		return "", "", fmt.Errorf("no bucket specified for uri %q", uri)
	}
	if key == "" {
		return "", "", fmt.Errorf("no key component found in uri %q", uri)
	}
	return bucket, key, nil
}
