package regulation

import (
	"embed"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

//go:embed packs/*.yaml
var packFS embed.FS

// commonPack holds country-independent rules and is merged ahead of
// every country pack. It is not selectable as a country code.
const commonPack = "common"

// Date layout candidates per pack ordering, tried first to last. The
// shifter commits to the first layout that parses and round-trips, so
// the order decides how 04/09/2014 is read.
var dateOrderLayouts = map[string][]string{
	"day_first":   {"02/01/2006", "2006-01-02", "02-01-2006", "02.01.2006", "2/1/2006"},
	"month_first": {"01/02/2006", "2006-01-02", "01-02-2006", "1/2/2006"},
}

type pack struct {
	Country   string            `yaml:"country"`
	Name      string            `yaml:"name"`
	DateOrder string            `yaml:"date_order"`
	Patterns  []Pattern         `yaml:"patterns"`
	Fields    []FieldDefinition `yaml:"fields"`
}

// PackSource serves regulation data from YAML packs compiled into the binary
type PackSource struct {
	packs  map[string]*pack
	logger *logger.Logger
}

// NewPackSource parses and validates every embedded regulation pack
func NewPackSource(log *logger.Logger) (*PackSource, error) {
	entries, err := packFS.ReadDir("packs")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded packs: %w", err)
	}

	source := &PackSource{
		packs:  make(map[string]*pack),
		logger: log.WithComponent("regulation"),
	}

	for _, entry := range entries {
		data, err := packFS.ReadFile(path.Join("packs", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read pack %s: %w", entry.Name(), err)
		}

		p := &pack{}
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse pack %s: %w", entry.Name(), err)
		}

		if err := validatePack(p, entry.Name()); err != nil {
			return nil, err
		}

		source.packs[p.Country] = p
	}

	if _, ok := source.packs[commonPack]; !ok {
		return nil, faults.Configuration("common regulation pack is missing")
	}

	source.logger.Info("Regulation packs loaded",
		zap.Int("packs", len(source.packs)),
		zap.Strings("countries", source.available()),
	)

	return source, nil
}

// validatePack rejects malformed packs at load time so bad rules can
// never reach the engine
func validatePack(p *pack, file string) error {
	if p.Country == "" {
		return faults.Configuration("pack %s declares no country code", file)
	}

	if p.Country != commonPack {
		if _, ok := dateOrderLayouts[p.DateOrder]; !ok {
			return faults.Configuration("pack %s has invalid date_order %q (must be day_first or month_first)", file, p.DateOrder)
		}
	}

	for _, pat := range p.Patterns {
		if pat.Name == "" || pat.Expr == "" {
			return faults.Configuration("pack %s contains a pattern without name or expr", file)
		}
		if !pat.Category.Known() {
			return faults.Configuration("pack %s pattern %q uses unknown category %q", file, pat.Name, pat.Category)
		}
		if _, err := regexp.Compile(pat.Expr); err != nil {
			return faults.Configuration("pack %s pattern %q does not compile: %v", file, pat.Name, err)
		}
	}

	for _, fd := range p.Fields {
		if fd.Name == "" {
			return faults.Configuration("pack %s contains a field definition without a name", file)
		}
		if !fd.Category.Known() {
			return faults.Configuration("pack %s field %q uses unknown category %q", file, fd.Name, fd.Category)
		}
		switch fd.PrivacyLevel {
		case PrivacyDirect, PrivacyQuasi, PrivacyLow:
		default:
			return faults.Configuration("pack %s field %q has invalid privacy_level %q", file, fd.Name, fd.PrivacyLevel)
		}
		if fd.Rule != "" {
			if _, err := regexp.Compile(fd.Rule); err != nil {
				return faults.Configuration("pack %s field %q rule does not compile: %v", file, fd.Name, err)
			}
		}
	}

	return nil
}

// resolve maps country codes to packs, preserving the configured order.
// The common pack always comes first.
func (s *PackSource) resolve(countries []string) ([]*pack, error) {
	result := []*pack{s.packs[commonPack]}
	seen := make(map[string]bool)

	for _, code := range countries {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == commonPack {
			return nil, faults.Configuration("country code %q is reserved", commonPack)
		}
		if seen[code] {
			continue
		}
		seen[code] = true

		p, ok := s.packs[code]
		if !ok {
			return nil, faults.Configuration("unknown country code %q (available: %s)", code, strings.Join(s.available(), ", "))
		}
		result = append(result, p)
	}

	return result, nil
}

// available lists selectable country codes in sorted order
func (s *PackSource) available() []string {
	var codes []string
	for code := range s.packs {
		if code != commonPack {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// DetectionPatterns returns the merged rule list for the given country
// codes: common rules first, then each country's in configured order.
// Duplicate rule names keep the first occurrence, so the merged order
// is the registration order the scanner uses for ties.
func (s *PackSource) DetectionPatterns(countries []string) ([]Pattern, error) {
	packs, err := s.resolve(countries)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var patterns []Pattern
	for _, p := range packs {
		for _, pat := range p.Patterns {
			if seen[pat.Name] {
				continue
			}
			seen[pat.Name] = true
			patterns = append(patterns, pat)
		}
	}

	return patterns, nil
}

// FieldDefinitions returns the merged field handling rules for the given
// country codes. Duplicate field names keep the first occurrence.
func (s *PackSource) FieldDefinitions(countries []string) ([]FieldDefinition, error) {
	packs, err := s.resolve(countries)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var fields []FieldDefinition
	for _, p := range packs {
		for _, fd := range p.Fields {
			if seen[fd.Name] {
				continue
			}
			seen[fd.Name] = true
			fields = append(fields, fd)
		}
	}

	return fields, nil
}

// DateLayouts returns the date layout candidates for the given country
// codes, first country first, deduplicated
func (s *PackSource) DateLayouts(countries []string) ([]string, error) {
	packs, err := s.resolve(countries)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var layouts []string
	for _, p := range packs {
		if p.Country == commonPack {
			continue
		}
		for _, layout := range dateOrderLayouts[p.DateOrder] {
			if seen[layout] {
				continue
			}
			seen[layout] = true
			layouts = append(layouts, layout)
		}
	}

	return layouts, nil
}
