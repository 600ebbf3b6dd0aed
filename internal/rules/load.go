package rules

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// ErrLoad marks a ruleset that could not be loaded or failed validation.
// A session cannot start without a valid ruleset.
var ErrLoad = errors.New("ruleset load error")

//go:embed default.yaml
var defaultYAML []byte

// Loader produces a complete ruleset.
type Loader interface {
	Load(ctx context.Context) (*Ruleset, error)
}

// FileLoader reads a YAML ruleset. An empty Path loads the embedded default.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(_ context.Context) (*Ruleset, error) {
	if l.Path == "" {
		return Default()
	}
	return LoadFile(l.Path)
}

// Default returns the embedded ruleset.
func Default() (*Ruleset, error) {
	return Parse(defaultYAML)
}

// LoadFile reads and validates a YAML ruleset from disk.
func LoadFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrLoad, path, err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

type fileRule struct {
	ID              string          `yaml:"id"`
	Kind            Kind            `yaml:"kind"`
	Category        string          `yaml:"category"`
	Severity        *model.Severity `yaml:"severity"`
	Patterns        []string        `yaml:"patterns"`
	Keywords        []string        `yaml:"keywords"`
	Examples        []string        `yaml:"examples"`
	Sources         []string        `yaml:"sources"`
	Threshold       float64         `yaml:"threshold"`
	Weight          *float64        `yaml:"weight"`
	Message         string          `yaml:"message"`
	RewriteTemplate string          `yaml:"rewrite_template"`
	Enabled         *bool           `yaml:"enabled"`
	IgnoreNegation  bool            `yaml:"ignore_negation"`
}

type rulesetFile struct {
	Version string     `yaml:"version"`
	Rules   []fileRule `yaml:"rules"`
}

// Parse decodes and validates a YAML ruleset.
func Parse(data []byte) (*Ruleset, error) {
	var f rulesetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrLoad, err)
	}

	var errs []error
	rules := make([]Rule, 0, len(f.Rules))
	for i, fr := range f.Rules {
		name := fr.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if fr.Severity == nil {
			errs = append(errs, fmt.Errorf("rule %s: missing severity", name))
			continue
		}
		if fr.Weight != nil && *fr.Weight <= 0 {
			errs = append(errs, fmt.Errorf("rule %s: weight %.2f outside (0,1]", name, *fr.Weight))
			continue
		}
		r := Rule{
			ID:              fr.ID,
			Kind:            fr.Kind,
			Category:        fr.Category,
			Severity:        *fr.Severity,
			Patterns:        fr.Patterns,
			Keywords:        fr.Keywords,
			Examples:        fr.Examples,
			Sources:         fr.Sources,
			Threshold:       fr.Threshold,
			Weight:          1.0,
			Message:         fr.Message,
			RewriteTemplate: fr.RewriteTemplate,
			Enabled:         true,
			IgnoreNegation:  fr.IgnoreNegation,
		}
		if fr.Weight != nil {
			r.Weight = *fr.Weight
		}
		if fr.Enabled != nil {
			r.Enabled = *fr.Enabled
		}
		rules = append(rules, r)
	}
	return build(f.Version, rules, errs)
}

// Build validates rules, compiles their matchers and returns them as a
// ruleset sorted by id. All validation problems are reported together.
// A zero Weight means 1.0.
func Build(version string, rules []Rule) (*Ruleset, error) {
	return build(version, rules, nil)
}

func build(version string, rules []Rule, errs []error) (*Ruleset, error) {
	if version == "" {
		errs = append(errs, errors.New("missing version"))
	}
	if len(rules) == 0 {
		errs = append(errs, errors.New("no rules"))
	}

	rs := &Ruleset{Version: version, Rules: make([]*Rule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := rules[i]
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rule #%d: missing id", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", r.ID))
			continue
		}
		seen[r.ID] = true

		if err := validate(&r); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
			continue
		}
		if err := r.compile(); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
			continue
		}
		rs.Rules = append(rs.Rules, &r)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrLoad, errors.Join(errs...))
	}

	sort.Slice(rs.Rules, func(i, j int) bool { return rs.Rules[i].ID < rs.Rules[j].ID })
	return rs, nil
}

func validate(r *Rule) error {
	if r.Weight == 0 {
		r.Weight = 1.0
	}
	switch r.Kind {
	case KindLexical:
		if len(r.Patterns) == 0 && len(r.Keywords) == 0 {
			return errors.New("lexical rule needs patterns or keywords")
		}
		for _, kw := range r.Keywords {
			if strings.TrimSpace(Normalize(kw).Text) == "" {
				return errors.New("empty keyword")
			}
		}
	case KindSemantic:
		if len(r.Examples) == 0 && len(r.Sources) == 0 {
			return errors.New("semantic rule needs examples or sources")
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.Category == "" {
		return errors.New("missing category")
	}
	if r.Severity < model.SeverityInfo || r.Severity > model.SeverityCritical {
		return fmt.Errorf("invalid severity %d", int(r.Severity))
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("threshold %.2f outside [0,1]", r.Threshold)
	}
	if r.Weight < 0 || r.Weight > 1 {
		return fmt.Errorf("weight %.2f outside (0,1]", r.Weight)
	}
	if r.RewriteTemplate == "" {
		return errors.New("missing rewrite_template")
	}
	return nil
}
