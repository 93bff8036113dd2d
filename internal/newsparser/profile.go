package newsparser

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperifyio/goscrape/internal/scraperr"
)

//go:embed profiles/*.yaml
var builtinProfiles embed.FS

// SourceProfile is the declarative parsing configuration for one site family.
// It is pure data; regexes are compiled once at load time.
type SourceProfile struct {
	Name             string   `yaml:"name"`
	DisplayName      string   `yaml:"display_name"`
	Timezone         string   `yaml:"timezone"`
	UTCOffset        string   `yaml:"utc_offset"`
	DatePatterns     []string `yaml:"date_patterns"`
	SectionLabels    []string `yaml:"section_labels"`
	NoiseMarkers     []string `yaml:"noise_markers"`
	SponsoredMarkers []string `yaml:"sponsored_markers"`
	ExclusiveMarkers []string `yaml:"exclusive_markers"`
	OpinionLabels    []string `yaml:"opinion_labels"`

	dateRe   *regexp.Regexp
	location *time.Location
}

// compile validates required keys and prepares the combined date regex and
// the timezone location.
func (p *SourceProfile) compile() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile missing name")
	}
	if len(p.DatePatterns) == 0 {
		return fmt.Errorf("profile %q has no date_patterns", p.Name)
	}
	combined := "(" + strings.Join(p.DatePatterns, ")|(") + ")"
	re, err := regexp.Compile(combined)
	if err != nil {
		return fmt.Errorf("profile %q date_patterns: %w", p.Name, err)
	}
	p.dateRe = re
	p.location = time.UTC
	if p.UTCOffset != "" {
		secs, err := parseUTCOffset(p.UTCOffset)
		if err != nil {
			return fmt.Errorf("profile %q utc_offset: %w", p.Name, err)
		}
		p.location = time.FixedZone(p.UTCOffset, secs)
	}
	return nil
}

func parseUTCOffset(s string) (int, error) {
	var sign, h, m int
	switch {
	case strings.HasPrefix(s, "+"):
		sign = 1
	case strings.HasPrefix(s, "-"):
		sign = -1
	default:
		return 0, fmt.Errorf("offset %q must start with + or -", s)
	}
	if _, err := fmt.Sscanf(s[1:], "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("offset %q: %w", s, err)
	}
	if h > 14 || m > 59 {
		return 0, fmt.Errorf("offset %q out of range", s)
	}
	return sign * (h*3600 + m*60), nil
}

// Registry resolves profile names to compiled profiles. Built-in profiles are
// embedded; LoadDir layers site profiles from disk over them.
type Registry struct {
	profiles map[string]*SourceProfile
}

// NewRegistry loads the embedded profiles. The generic profile must exist.
func NewRegistry() (*Registry, error) {
	r := &Registry{profiles: make(map[string]*SourceProfile)}
	entries, err := fs.Glob(builtinProfiles, "profiles/*.yaml")
	if err != nil {
		return nil, err
	}
	for _, path := range entries {
		raw, err := builtinProfiles.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := r.add(raw); err != nil {
			return nil, fmt.Errorf("embedded %s: %w", path, err)
		}
	}
	if _, ok := r.profiles["generic"]; !ok {
		return nil, fmt.Errorf("embedded profiles missing generic")
	}
	return r, nil
}

// LoadDir reads *.yaml profiles from dir, overriding same-named built-ins.
// A missing directory is not an error.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := r.add(raw); err != nil {
			return scraperr.Wrap(scraperr.KindValidation, scraperr.CodeParseError,
				"load source profile "+e.Name(), err)
		}
	}
	return nil
}

func (r *Registry) add(raw []byte) error {
	var p SourceProfile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return err
	}
	if err := p.compile(); err != nil {
		return err
	}
	r.profiles[p.Name] = &p
	return nil
}

// Resolve returns the named profile, or the generic profile with
// fellBack=true when the name is unknown or empty.
func (r *Registry) Resolve(name string) (p *SourceProfile, fellBack bool) {
	if name != "" {
		if p, ok := r.profiles[name]; ok {
			return p, false
		}
	}
	return r.profiles["generic"], name != ""
}

// Names lists registered profile names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	return out
}
