package correlation

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pulsestack/pulse-apm/internal/models"
)

// RuleEngine applies operator-defined recommendation rules on top of the
// built-in per-bottleneck advice.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule is a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines the optional attributes a finalized trace must satisfy.
// Empty attributes always match.
type RuleMatch struct {
	BottleneckType   string   `yaml:"bottleneck_type"`
	Severity         string   `yaml:"severity"`
	MinPercentage    float64  `yaml:"min_percentage"`
	MinExceptions    int      `yaml:"min_exceptions"`
	PathContains     []string `yaml:"path_contains"`
	MinHealthDeficit int      `yaml:"min_health_deficit"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. An empty or missing path
// returns a nil engine, which recommends nothing.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the recommendations of every rule the trace matches.
func (e *RuleEngine) Recommend(cc *models.CorrelationContext) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if !ruleMatches(rule.Match, cc) {
			continue
		}
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func ruleMatches(m RuleMatch, cc *models.CorrelationContext) bool {
	if m.BottleneckType != "" || m.MinPercentage > 0 || m.Severity != "" {
		if !bottleneckMatches(m, cc.Bottlenecks) {
			return false
		}
	}
	if m.MinExceptions > 0 && cc.Performance.ExceptionsThrown < m.MinExceptions {
		return false
	}
	if len(m.PathContains) > 0 && !pathContains(m.PathContains, cc) {
		return false
	}
	if m.MinHealthDeficit > 0 && 100-cc.HealthScore < m.MinHealthDeficit {
		return false
	}
	return true
}

func bottleneckMatches(m RuleMatch, bottlenecks []models.Bottleneck) bool {
	for _, b := range bottlenecks {
		if m.BottleneckType != "" && !strings.EqualFold(m.BottleneckType, string(b.Type)) {
			continue
		}
		if m.Severity != "" && !strings.EqualFold(m.Severity, string(b.Severity)) {
			continue
		}
		if m.MinPercentage > 0 && b.Percentage < m.MinPercentage {
			continue
		}
		return true
	}
	return false
}

func pathContains(keywords []string, cc *models.CorrelationContext) bool {
	if cc.Request == nil {
		return false
	}
	path := strings.ToLower(cc.Request.Path)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(path, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
