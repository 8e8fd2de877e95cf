package ingest

import (
	_ "embed"
	"fmt"
	"os"

	"expense-ingest/internal/models"

	"github.com/goccy/go-yaml"
)

//go:embed categories.yaml
var defaultCategoryRules []byte

type CategoryRule struct {
	Category models.Category `yaml:"category"`
	Keywords []string        `yaml:"keywords"`
}

type categoryRuleFile struct {
	Rules []CategoryRule `yaml:"rules"`
}

// LoadCategoryRules reads the ordered keyword rules from path, or the
// built-in table when path is empty.
func LoadCategoryRules(path string) ([]CategoryRule, error) {
	data := defaultCategoryRules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read category rules: %w", err)
		}
		data = b
	}
	return ParseCategoryRules(data)
}

func ParseCategoryRules(data []byte) ([]CategoryRule, error) {
	var file categoryRuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse category rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("category rules are empty")
	}

	rules := make([]CategoryRule, 0, len(file.Rules))
	for i, rule := range file.Rules {
		if !rule.Category.Valid() || rule.Category == models.CategoryMisc {
			return nil, fmt.Errorf("rule %d: invalid category %q", i, rule.Category)
		}
		keywords := make([]string, 0, len(rule.Keywords))
		for _, kw := range rule.Keywords {
			if normalized := phrase(kw); normalized != "" {
				keywords = append(keywords, normalized)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no keywords", i, rule.Category)
		}
		rules = append(rules, CategoryRule{Category: rule.Category, Keywords: keywords})
	}
	return rules, nil
}

// matchCategory returns the category of the first rule with a keyword in text.
func matchCategory(rules []CategoryRule, text string) (models.Category, bool) {
	haystack := phrase(text)
	if haystack == "" {
		return "", false
	}
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if containsPhrase(haystack, kw) {
				return rule.Category, true
			}
		}
	}
	return "", false
}
