package graph

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowgate/pkg/api"
)

// WorkflowFile pairs a parsed workflow with its on-disk source.
type WorkflowFile struct {
	Workflow api.Workflow
	Path     string
}

// ParseWorkflowYAML decodes and validates every workflow document in data.
// Multiple workflows may be separated with "---".
func ParseWorkflowYAML(data []byte) ([]api.Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("workflow: definition payload is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []api.Workflow
	for {
		var wf api.Workflow
		err := dec.Decode(&wf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("workflow: decode definition: %w", err)
		}
		if err := wf.Validate(); err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// LoadWorkflowFile reads a YAML file from disk.
func LoadWorkflowFile(path string) ([]WorkflowFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("workflow: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	wfs, err := ParseWorkflowYAML(data)
	if err != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, err)
	}
	clean := filepath.Clean(path)
	out := make([]WorkflowFile, len(wfs))
	for i, wf := range wfs {
		out[i] = WorkflowFile{Workflow: wf, Path: clean}
	}
	return out, nil
}

// LoadWorkflowDir scans a directory for *.yaml / *.yml files. A missing
// directory yields no workflows.
func LoadWorkflowDir(dir string) ([]WorkflowFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("workflow: read %s: %w", trimmed, err)
	}
	var files []WorkflowFile
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		loaded, err := LoadWorkflowFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, loaded...)
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// RegisterDir loads every workflow under dir into r.
func (r *Registry) RegisterDir(dir string) (int, error) {
	files, err := LoadWorkflowDir(dir)
	if err != nil {
		return 0, err
	}
	for i, f := range files {
		if err := r.Register(f.Workflow); err != nil {
			return i, fmt.Errorf("workflow: %s: %w", f.Path, err)
		}
	}
	return len(files), nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
