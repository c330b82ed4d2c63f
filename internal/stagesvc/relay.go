package stagesvc

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/platform/objectstore"
)

// RelayProcessor copies its input artifact into the stage's namespace and
// reports the copy as its only output. It stands in for a stage whose
// transformation is not deployed.
type RelayProcessor struct {
	objects objectstore.Store
	bucket  string
}

func NewRelayProcessor(objects objectstore.Store, bucket string) (*RelayProcessor, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &RelayProcessor{objects: objects, bucket: bucket}, nil
}

func (p *RelayProcessor) Process(ctx context.Context, payload domain.StagePayload) ([]domain.ArtifactRef, domain.Fields, error) {
	srcBucket, srcKey, err := objectstore.ParseURI(payload.InputURI, p.bucket)
	if err != nil {
		return nil, nil, err
	}
	dstBucket, dstPrefix := p.bucket, fmt.Sprintf("requests/%s/%s/", payload.RequestID, payload.Stage)
	if hint := strings.TrimSpace(payload.OutputHint); hint != "" {
		b, k, err := objectstore.ParseURI(hint, p.bucket)
		if err != nil {
			return nil, nil, fmt.Errorf("output hint: %w", err)
		}
		dstBucket, dstPrefix = b, strings.TrimSuffix(k, "/")+"/"
	}
	dstKey := dstPrefix + path.Base(srcKey)

	if err := p.objects.Copy(ctx, srcBucket, srcKey, dstBucket, dstKey); err != nil {
		return nil, nil, fmt.Errorf("relay %s: %w", payload.InputURI, err)
	}

	meta := domain.Fields{"source_uri": domain.StringValue(payload.InputURI)}
	for _, key := range []string{domain.KeyClipIndex, domain.KeyFrameIndex} {
		if v, ok := payload.Fanout[key]; ok {
			meta[key] = v
		}
	}
	out := domain.ArtifactRef{
		Type:     ArtifactTypeFor(dstKey),
		URI:      objectstore.URI(dstBucket, dstKey),
		Metadata: meta,
	}
	return []domain.ArtifactRef{out}, domain.Fields{"relayed": domain.BoolValue(true)}, nil
}

// ArtifactTypeFor guesses an artifact type from an object key's extension.
func ArtifactTypeFor(key string) domain.ArtifactType {
	lower := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".zip"):
		return domain.ArtifactArchive
	}
	switch path.Ext(lower) {
	case ".mp4", ".mov", ".mkv", ".webm", ".avi":
		return domain.ArtifactVideo
	case ".wav", ".mp3", ".flac", ".ogg":
		return domain.ArtifactAudio
	case ".jpg", ".jpeg", ".png", ".webp":
		return domain.ArtifactImage
	case ".json":
		return domain.ArtifactJSON
	default:
		return domain.ArtifactReference
	}
}
