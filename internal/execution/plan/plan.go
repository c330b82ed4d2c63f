// Package plan describes which stages a pipeline run executes and in what
// shape: a linear prefix whose last stage splits the video into clips, a
// per-clip chain whose last stage samples frames, and a per-frame detector.
package plan

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fave-labs/fave-go/internal/domain"
)

const SchemaV1 = "fave.pipeline.v1"

type Definition struct {
	Linear []string `yaml:"linear" json:"linear"`
	Clip   []string `yaml:"clip" json:"clip"`
	Detect string   `yaml:"detect" json:"detect"`
}

// Default mirrors the deployed stage functions.
func Default() Definition {
	return Definition{
		Linear: []string{"stage-ffmpeg-0", "stage-librosa", "stage-ffmpeg-1"},
		Clip:   []string{"stage-ffmpeg-2", "stage-deepspeech", "stage-ffmpeg-3"},
		Detect: "stage-object-detector",
	}
}

// Splitter is the stage whose outputs become clip branches.
func (d Definition) Splitter() string {
	return d.Linear[len(d.Linear)-1]
}

// Sampler is the stage whose outputs become frame branches.
func (d Definition) Sampler() string {
	return d.Clip[len(d.Clip)-1]
}

var stageNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

func (d Definition) Validate() error {
	if len(d.Linear) == 0 {
		return errors.New("linear stages must be non-empty")
	}
	if len(d.Clip) == 0 {
		return errors.New("clip stages must be non-empty")
	}
	for _, name := range append(append([]string{}, d.Linear...), d.Clip...) {
		if !stageNamePattern.MatchString(name) {
			return fmt.Errorf("invalid stage name %q", name)
		}
	}
	if !stageNamePattern.MatchString(d.Detect) {
		return fmt.Errorf("invalid detect stage name %q", d.Detect)
	}
	return nil
}

type file struct {
	Schema   string                `yaml:"schema"`
	Profiles map[string]Definition `yaml:"profiles"`
}

// Registry resolves request profiles to definitions.
type Registry struct {
	profiles map[string]Definition
}

func NewRegistry(profiles map[string]Definition) (*Registry, error) {
	out := make(map[string]Definition, len(profiles)+1)
	for name, def := range profiles {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("profile name must be non-empty")
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		out[name] = def
	}
	if _, ok := out[domain.DefaultProfile]; !ok {
		out[domain.DefaultProfile] = Default()
	}
	return &Registry{profiles: out}, nil
}

// Parse decodes a YAML pipeline file.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode pipeline file: %w", err)
	}
	if strings.TrimSpace(f.Schema) != SchemaV1 {
		return nil, fmt.Errorf("pipeline schema must be %q", SchemaV1)
	}
	if len(f.Profiles) == 0 {
		return nil, errors.New("pipeline profiles must be non-empty")
	}
	return NewRegistry(f.Profiles)
}

// Load reads a pipeline file; an empty path yields the built-in default.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return NewRegistry(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return Parse(data)
}

// Resolve returns the definition for profile, falling back to the default profile.
func (r *Registry) Resolve(profile string) Definition {
	if def, ok := r.profiles[strings.TrimSpace(profile)]; ok {
		return def
	}
	return r.profiles[domain.DefaultProfile]
}

func (r *Registry) Profiles() []string {
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
