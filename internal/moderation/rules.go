package moderation

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"microtask-settlement/internal/models"
	errs "microtask-settlement/pkg/errors"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule is a compiled blocklist entry. YAML rules match by regex; built-in
// rules carry a match function for checks RE2 cannot express.
type Rule struct {
	Name     string
	Category models.Category
	Severity models.Severity
	re       *regexp.Regexp
	fn       func(string) bool
}

// Match reports whether the rule fires on the content.
func (r *Rule) Match(content string) bool {
	if r.fn != nil {
		return r.fn(content)
	}
	return r.re.MatchString(content)
}

type ruleFile struct {
	Rules []struct {
		Name     string `yaml:"name"`
		Pattern  string `yaml:"pattern"`
		Category string `yaml:"category"`
		Severity string `yaml:"severity"`
	} `yaml:"rules"`
}

// LoadRules compiles the blocklist from a YAML file, falling back to the
// embedded defaults when path is empty.
func LoadRules(path string) ([]Rule, error) {
	data := defaultRulesYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.NewValidation("moderation.LoadRules", fmt.Sprintf("failed to read rules file %s", path), err)
		}
		data = b
	}
	return parseRules(data)
}

func parseRules(data []byte) ([]Rule, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, errs.NewValidation("moderation.parseRules", "failed to parse rules YAML", err)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	for _, raw := range rf.Rules {
		re, err := regexp.Compile(raw.Pattern)
		if err != nil {
			return nil, errs.NewValidation("moderation.parseRules", fmt.Sprintf("invalid pattern in rule %s", raw.Name), err)
		}
		rules = append(rules, Rule{
			Name:     raw.Name,
			Category: models.Category(raw.Category),
			Severity: models.Severity(raw.Severity),
			re:       re,
		})
	}
	return append(rules, builtinRules()...), nil
}

// repetitionRunLength is the shortest run of one repeated rune that counts
// as filler spam.
const repetitionRunLength = 10

// builtinRules holds checks that need a backreference, which Go's RE2
// regexes do not support. They run after the configured patterns.
func builtinRules() []Rule {
	return []Rule{
		{
			Name:     "char_repetition",
			Category: models.CategorySpam,
			Severity: models.SeverityMedium,
			fn: func(content string) bool {
				return hasRepeatedRun(content, repetitionRunLength)
			},
		},
	}
}

func hasRepeatedRun(s string, n int) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= n {
			return true
		}
	}
	return false
}
