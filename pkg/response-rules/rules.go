package responserules

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule adds headers to the responses for matching pages.
// Path matches one page exactly, Prefix matches every page below it.
type Rule struct {
	Prefix  string            `yaml:"prefix"`
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers"`
}

// Apply sets the headers of the first rule matching page on header.
// Page is the served page path, without the leading slash.
func (r Rules) Apply(page string, header http.Header) {
	if rule := r.find(page); rule != nil {
		applyRuleToHeader(*rule, header)
	}
}

// Validate reports rules that can never match or do nothing.
func (r Rules) Validate() error {
	for i, rule := range r {
		if rule.Path != "" && rule.Prefix != "" {
			return fmt.Errorf("rule %d: path and prefix are exclusive", i)
		}
		if len(rule.Headers) == 0 {
			return fmt.Errorf("rule %d: no headers", i)
		}
		if strings.HasPrefix(rule.Path, "/") || strings.HasPrefix(rule.Prefix, "/") {
			return fmt.Errorf("rule %d: page paths have no leading slash", i)
		}
	}
	return nil
}

func applyRuleToHeader(rule Rule, header http.Header) {
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		header.Set(name, value)
	}
}

func (r Rules) find(page string) *Rule {
	log.Trace().Msgf("Finding rule for page %s", page)
	for _, rule := range r {
		if rule.Path != "" && rule.Path != page {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(page, rule.Prefix) {
			continue
		}
		return &rule
	}
	return nil
}
