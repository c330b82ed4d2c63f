package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fave-labs/fave-go/internal/domain"
)

const (
	msgDetectorDisabled = "object detector disabled"
	msgNoFrames         = "no frame artifacts"
)

// branch is one clip or frame input with its resolved index.
type branch struct {
	index int
	uri   string
}

// invoke runs one stage and appends its entry to the state log. A failed
// invocation is logged as an error entry before the error is returned.
func (e *Executor) invoke(ctx context.Context, r *run, stage, input string, fanout domain.Fields) (domain.StageEntry, domain.StageResult, error) {
	payload := domain.StagePayload{
		RequestID:  r.id,
		Stage:      stage,
		InputURI:   input,
		OutputHint: e.outputHint(r.id, stage, fanout),
		Config:     r.config,
		Fanout:     fanout,
	}
	logger := r.logger.With(fanoutAttrs(stage, fanout)...)

	start := e.now()
	result, err := e.invoker.Invoke(ctx, stage, payload)
	if err != nil {
		elapsed := e.now().Sub(start)
		logger.Error("stage failed", "duration_ms", elapsed.Milliseconds(), "error", err)
		failed := domain.StageResult{
			RequestID: r.id,
			Stage:     stage,
			Outputs:   []domain.ArtifactRef{},
			Metrics:   domain.NewMetrics(elapsed, e.cfg.MemoryLimitMB, false),
			Status:    domain.StageError,
			Message:   err.Error(),
		}
		if _, aerr := e.states.Append(context.WithoutCancel(ctx), r.id, domain.EntryFromResult(stage, fanout, failed)); aerr != nil {
			logger.Warn("state append failed", "error", aerr)
		}
		return domain.StageEntry{}, domain.StageResult{}, err
	}

	entry := domain.EntryFromResult(stage, fanout, result)
	if _, err := e.states.Append(ctx, r.id, entry); err != nil {
		return domain.StageEntry{}, domain.StageResult{}, fmt.Errorf("append %s entry: %w", stage, err)
	}
	logger.Info("stage completed",
		"status", result.Status,
		"duration_ms", result.Metrics.DurationMs,
		"cold_start", result.Metrics.ColdStart,
		"outputs", len(result.Outputs),
	)
	return entry, result, nil
}

// skip records a synthesized skipped entry for a stage that did not run.
func (e *Executor) skip(ctx context.Context, r *run, stage, message string, fanout domain.Fields) (domain.StageEntry, error) {
	entry := domain.EntryFromResult(stage, fanout, domain.SkippedResult(r.id, stage, message, e.cfg.MemoryLimitMB))
	if _, err := e.states.Append(ctx, r.id, entry); err != nil {
		return domain.StageEntry{}, fmt.Errorf("append %s entry: %w", stage, err)
	}
	r.logger.Info("stage skipped", append(fanoutAttrs(stage, fanout), "reason", message)...)
	return entry, nil
}

// runLinear runs the prefix stages in order, each consuming the previous
// stage's last output. The splitter's outputs become the clip branches.
func (e *Executor) runLinear(ctx context.Context, r *run, input string) ([]domain.StageEntry, []branch, error) {
	entries := make([]domain.StageEntry, 0, len(r.def.Linear))
	current := input
	var splitter domain.StageResult
	for _, stage := range r.def.Linear {
		entry, result, err := e.invoke(ctx, r, stage, current, domain.Fields{})
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry)
		current = result.LastOutput(current)
		splitter = result
	}

	clips := make([]branch, len(splitter.Outputs))
	for i, out := range splitter.Outputs {
		idx, ok := out.Metadata.Int(domain.KeyClipIndex)
		if !ok {
			idx = i
		}
		clips[i] = branch{index: idx, uri: out.URI}
	}
	return entries, clips, nil
}

// runClips runs one branch per clip. Results keep the splitter's order
// whatever order the branches finish in.
func (e *Executor) runClips(ctx context.Context, r *run, clips []branch) ([]domain.ClipResult, error) {
	results := make([]domain.ClipResult, len(clips))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ClipConcurrency)
	for i, clip := range clips {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.runClip(gctx, r, clip)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Executor) runClip(ctx context.Context, r *run, clip branch) (domain.ClipResult, error) {
	fanout := domain.ClipFanout(clip.index)
	stages := make([]domain.StageEntry, 0, len(r.def.Clip)+1)
	current := clip.uri
	var sampler domain.StageResult
	for _, stage := range r.def.Clip {
		entry, result, err := e.invoke(ctx, r, stage, current, fanout)
		if err != nil {
			return domain.ClipResult{}, err
		}
		stages = append(stages, entry)
		current = result.LastOutput(current)
		sampler = result
	}

	detections, err := e.runFrames(ctx, r, clip.index, sampler.Outputs)
	if err != nil {
		return domain.ClipResult{}, err
	}
	return domain.ClipResult{
		ClipIndex: clip.index,
		InputURI:  clip.uri,
		Stages:    append(stages, detections...),
	}, nil
}

// runFrames invokes the detector once per sampled frame in ascending frame
// order. A clip always gets at least one detection entry.
func (e *Executor) runFrames(ctx context.Context, r *run, clipIndex int, outputs []domain.ArtifactRef) ([]domain.StageEntry, error) {
	if !e.cfg.EnableDetector {
		entry, err := e.skip(ctx, r, r.def.Detect, msgDetectorDisabled, domain.ClipFanout(clipIndex))
		if err != nil {
			return nil, err
		}
		return []domain.StageEntry{entry}, nil
	}
	if len(outputs) == 0 {
		entry, err := e.skip(ctx, r, r.def.Detect, msgNoFrames, domain.ClipFanout(clipIndex))
		if err != nil {
			return nil, err
		}
		return []domain.StageEntry{entry}, nil
	}

	frames := orderFrames(outputs)
	entries := make([]domain.StageEntry, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FrameConcurrency)
	for i, frame := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, _, err := e.invoke(gctx, r, r.def.Detect, frame.uri, domain.FrameFanout(clipIndex, frame.index))
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// frameIndex resolves a frame's index from its metadata, then from the
// trailing digits of its file name, then from its position.
func frameIndex(ref domain.ArtifactRef, position int) int {
	if idx, ok := ref.Metadata.Int(domain.KeyFrameIndex); ok {
		return idx
	}
	name := path.Base(ref.URI)
	name = strings.TrimSuffix(name, path.Ext(name))
	if m := trailingDigits.FindString(name); m != "" {
		if idx, err := strconv.Atoi(m); err == nil {
			return idx
		}
	}
	return position
}

func orderFrames(outputs []domain.ArtifactRef) []branch {
	frames := make([]branch, len(outputs))
	for i, out := range outputs {
		frames[i] = branch{index: frameIndex(out, i), uri: out.URI}
	}
	sort.SliceStable(frames, func(a, b int) bool { return frames[a].index < frames[b].index })
	return frames
}

func fanoutAttrs(stage string, fanout domain.Fields) []any {
	attrs := []any{slog.String("stage", stage)}
	if clip, ok := fanout.Int(domain.KeyClipIndex); ok {
		attrs = append(attrs, slog.Int("clip_index", clip))
	}
	if frame, ok := fanout.Int(domain.KeyFrameIndex); ok {
		attrs = append(attrs, slog.Int("frame_index", frame))
	}
	return attrs
}
