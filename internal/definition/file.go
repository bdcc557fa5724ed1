package definition

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// fileFormat is the on-disk layout of a workflows file.
type fileFormat struct {
	// UseDefault serves the canonical workflow for types the file does not list.
	UseDefault bool                    `yaml:"use_default"`
	Workflows  map[string]fileWorkflow `yaml:"workflows"`
}

type fileWorkflow struct {
	Steps []workflow.Step `yaml:"steps"`
}

// FileSource serves definitions parsed from a YAML file at load time.
type FileSource struct {
	defs       map[string]*workflow.Definition
	useDefault bool
}

// LoadFile reads and validates every workflow in path.
func LoadFile(path string) (*FileSource, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflows file: %w", err)
	}
	return Parse(data)
}

// Parse builds a FileSource from the YAML document in data.
func Parse(data []byte) (*FileSource, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflows file: %w", err)
	}
	if len(f.Workflows) == 0 && !f.UseDefault {
		return nil, fmt.Errorf("workflows file defines no workflows")
	}

	src := &FileSource{
		defs:       make(map[string]*workflow.Definition, len(f.Workflows)),
		useDefault: f.UseDefault,
	}
	for certType, w := range f.Workflows {
		def := &workflow.Definition{CertificateType: certType, Steps: w.Steps}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		def.Version = def.Digest()
		src.defs[certType] = def
	}
	return src, nil
}

// Definition implements Source.
func (s *FileSource) Definition(_ context.Context, certificateType string) (*workflow.Definition, error) {
	if def, ok := s.defs[certificateType]; ok {
		return def, nil
	}
	if s.useDefault && certificateType != "" {
		return workflow.DefaultDefinition(certificateType), nil
	}
	return nil, errors.NotFound("workflow definition", certificateType)
}

// Types lists the certificate types defined in the file.
func (s *FileSource) Types() []string {
	types := make([]string, 0, len(s.defs))
	for t := range s.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
