package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MarkerFile identifies a directory under the workspace root as a skill.
const MarkerFile = ".skill"

type Evidence string

const (
	EvidenceAbsent       Evidence = "absent"
	EvidencePartial      Evidence = "partial"
	EvidenceComplete     Evidence = "complete"
	EvidenceUndetectable Evidence = "undetectable"
)

// SkillMarker is the content of a skill's marker file.
type SkillMarker struct {
	Name      string    `yaml:"name"`
	Type      string    `yaml:"type"`
	CreatedAt time.Time `yaml:"created_at"`
}

var validSkillName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateSkillName rejects names that cannot be used as a directory name.
func ValidateSkillName(name string) error {
	if !validSkillName.MatchString(name) {
		return fmt.Errorf("invalid skill name %q", name)
	}
	return nil
}

// Workspace is the root directory holding one subdirectory per skill.
type Workspace struct {
	Root string
}

func (w Workspace) Dir(skill string) string {
	return filepath.Join(w.Root, skill)
}

func (w Workspace) markerPath(skill string) string {
	return filepath.Join(w.Dir(skill), MarkerFile)
}

// HasMarker reports whether the skill's marker file exists.
func (w Workspace) HasMarker(skill string) bool {
	_, err := os.Stat(w.markerPath(skill))
	return err == nil
}

// ReadMarker returns the marker content, or os.ErrNotExist.
func (w Workspace) ReadMarker(skill string) (SkillMarker, error) {
	data, err := os.ReadFile(w.markerPath(skill))
	if err != nil {
		return SkillMarker{}, err
	}
	var m SkillMarker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return SkillMarker{}, fmt.Errorf("parse marker for %s: %w", skill, err)
	}
	return m, nil
}

// WriteMarker creates the skill directory if needed and writes its marker.
func (w Workspace) WriteMarker(m SkillMarker) error {
	if err := ValidateSkillName(m.Name); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(w.Dir(m.Name), 0o755); err != nil {
		return fmt.Errorf("create skill dir: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := os.WriteFile(w.markerPath(m.Name), data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// Remove deletes the skill directory and everything in it.
func (w Workspace) Remove(skill string) error {
	if err := ValidateSkillName(skill); err != nil {
		return err
	}
	if err := os.RemoveAll(w.Dir(skill)); err != nil {
		return fmt.Errorf("remove skill dir: %w", err)
	}
	return nil
}

// Discover lists skill directories under Root: any subdirectory carrying a
// marker or evidence for at least one detectable step.
func (w Workspace) Discover(p *Pipeline) ([]string, error) {
	entries, err := os.ReadDir(w.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || ValidateSkillName(e.Name()) != nil {
			continue
		}
		if w.HasMarker(e.Name()) || p.HighestComplete(w.Dir(e.Name())) >= 0 || p.anyEvidence(w.Dir(e.Name())) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func exists(dir, marker string) bool {
	info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(strings.TrimSuffix(marker, "/"))))
	if err != nil {
		return false
	}
	if strings.HasSuffix(marker, "/") {
		return info.IsDir()
	}
	return true
}

// Check reports the step's evidence in dir. Only existence is checked.
func (s Step) Check(dir string) Evidence {
	if !s.Detectable() {
		return EvidenceUndetectable
	}
	found := 0
	for _, m := range s.Markers {
		if exists(dir, m) {
			found++
		}
	}
	switch {
	case found == len(s.Markers):
		return EvidenceComplete
	case found > 0:
		return EvidencePartial
	default:
		return EvidenceAbsent
	}
}

// Evidence returns per-step evidence for a skill directory.
func (p *Pipeline) Evidence(dir string) []Evidence {
	out := make([]Evidence, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Check(dir)
	}
	return out
}

// HighestComplete returns the index of the highest detectable step whose
// markers all exist, or -1.
func (p *Pipeline) HighestComplete(dir string) int {
	for i := len(p.Steps) - 1; i >= 0; i-- {
		if p.Steps[i].Check(dir) == EvidenceComplete {
			return i
		}
	}
	return -1
}

func (p *Pipeline) anyEvidence(dir string) bool {
	for _, s := range p.Steps {
		if s.Check(dir) == EvidencePartial {
			return true
		}
	}
	return false
}

// RemoveArtifacts deletes the step's markers under dir and returns the paths
// removed. Steps flagged Preserve are never touched.
func (s Step) RemoveArtifacts(dir string) ([]string, error) {
	if s.Preserve {
		return nil, nil
	}
	var removed []string
	var errs []error
	for _, m := range s.Markers {
		p := filepath.Join(dir, filepath.FromSlash(strings.TrimSuffix(m, "/")))
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
			continue
		}
		removed = append(removed, m)
	}
	return removed, errors.Join(errs...)
}
