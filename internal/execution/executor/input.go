package executor

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fave-labs/fave-go/internal/platform/objectstore"
)

const defaultInputExt = ".mp4"

// ErrUnsupportedScheme marks a video_uri whose scheme has no staging strategy.
var ErrUnsupportedScheme = errors.New("unsupported video_uri scheme")

// InputResolutionError reports a video source that could not be staged.
type InputResolutionError struct {
	Source string
	Scheme string
	Err    error
}

func (e *InputResolutionError) Error() string {
	if errors.Is(e.Err, ErrUnsupportedScheme) {
		return fmt.Sprintf("unsupported video_uri scheme %q: %s", e.Scheme, e.Source)
	}
	return fmt.Sprintf("resolve video_uri %s: %v", e.Source, e.Err)
}

func (e *InputResolutionError) Unwrap() error { return e.Err }

// InputStager copies the request's source video into the request namespace.
type InputStager struct {
	objects objectstore.Store
	bucket  string
	client  *http.Client
}

func NewInputStager(objects objectstore.Store, bucket string, client *http.Client) (*InputStager, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &InputStager{objects: objects, bucket: bucket, client: client}, nil
}

// Key is the object key the source is staged to.
func Key(requestID, ext string) string {
	return fmt.Sprintf("requests/%s/input/original%s", requestID, ext)
}

// Stage resolves source by scheme and returns the staged object URI.
func (s *InputStager) Stage(ctx context.Context, requestID, source string) (string, error) {
	source = strings.TrimSpace(source)
	u, err := url.Parse(source)
	if err != nil {
		return "", &InputResolutionError{Source: source, Err: err}
	}
	scheme := strings.ToLower(u.Scheme)
	ext := path.Ext(u.Path)
	if ext == "" {
		ext = defaultInputExt
	}
	key := Key(requestID, ext)

	switch {
	case objectstore.IsStoreScheme(scheme):
		err = s.copy(ctx, source, key)
	case scheme == "http" || scheme == "https":
		err = s.download(ctx, source, key, ext)
	case scheme == "" || scheme == "file":
		local := source
		if scheme == "file" {
			local = u.Path
		}
		err = s.upload(ctx, local, key, ext)
	default:
		err = ErrUnsupportedScheme
	}
	if err != nil {
		var rerr *InputResolutionError
		if errors.As(err, &rerr) {
			return "", rerr
		}
		return "", &InputResolutionError{Source: source, Scheme: scheme, Err: err}
	}
	return objectstore.URI(s.bucket, key), nil
}

func (s *InputStager) copy(ctx context.Context, source, key string) error {
	srcBucket, srcKey, err := objectstore.ParseURI(source, s.bucket)
	if err != nil {
		return err
	}
	return s.objects.Copy(ctx, srcBucket, srcKey, s.bucket, key)
}

func (s *InputStager) download(ctx context.Context, source, key, ext string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download: http %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeFor(ext)
	}
	return s.objects.Put(ctx, s.bucket, key, resp.Body, resp.ContentLength, contentType)
}

func (s *InputStager) upload(ctx context.Context, local, key, ext string) error {
	f, err := os.Open(filepath.Clean(local))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", local)
	}
	return s.objects.Put(ctx, s.bucket, key, f, info.Size(), contentTypeFor(ext))
}

func contentTypeFor(ext string) string {
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
