package pattern

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
	"github.com/clinisafe/scrub/internal/regulation"
)

// Rule is one compiled detection rule. When the source expression
// contains a capture group, the group span is both the claimed and the
// replaced region, so keyword anchors stay in the text.
type Rule struct {
	Name        string
	Category    regulation.Category
	Priority    int
	Description string

	re    *regexp.Regexp
	group int
}

// Match is one claimed span inside a scanned text
type Match struct {
	Start       int
	End         int
	Value       string
	Rule        string
	Category    regulation.Category
	Priority    int
	Description string
}

// Library holds the compiled rule set. It is immutable after
// construction: country selection decides the rules once, at load time.
type Library struct {
	rules  []Rule
	logger *logger.Logger
}

// NewLibrary compiles the supplied detection patterns, preserving their
// registration order for tie-breaking
func NewLibrary(patterns []regulation.Pattern, log *logger.Logger) (*Library, error) {
	lib := &Library{
		logger: log.WithComponent("pattern"),
	}

	for _, p := range patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, faults.Configuration("pattern %q does not compile: %v", p.Name, err)
		}

		group := 0
		if re.NumSubexp() >= 1 {
			group = 1
		}

		lib.rules = append(lib.rules, Rule{
			Name:        p.Name,
			Category:    p.Category,
			Priority:    p.Priority,
			Description: p.Description,
			re:          re,
			group:       group,
		})
	}

	lib.logger.Info("Pattern library compiled", zap.Int("rules", len(lib.rules)))

	return lib, nil
}

// Count returns the number of compiled rules
func (l *Library) Count() int {
	return len(l.rules)
}

type candidate struct {
	Match
	ruleIndex int
}

// Scan finds every claimed span in the text. Candidates are ranked by
// priority, then leftmost start, then registration order; a candidate
// overlapping an already claimed span yields nothing. The result is
// sorted by start offset and non-overlapping.
func (l *Library) Scan(text string) []Match {
	if text == "" {
		return nil
	}

	var candidates []candidate
	for i := range l.rules {
		rule := &l.rules[i]
		for _, loc := range rule.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*rule.group], loc[2*rule.group+1]
			if start < 0 || start == end {
				continue
			}
			candidates = append(candidates, candidate{
				Match: Match{
					Start:       start,
					End:         end,
					Value:       text[start:end],
					Rule:        rule.Name,
					Category:    rule.Category,
					Priority:    rule.Priority,
					Description: rule.Description,
				},
				ruleIndex: i,
			})
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		ca, cb := &candidates[a], &candidates[b]
		if ca.Priority != cb.Priority {
			return ca.Priority > cb.Priority
		}
		if ca.Start != cb.Start {
			return ca.Start < cb.Start
		}
		return ca.ruleIndex < cb.ruleIndex
	})

	var accepted []Match
	for _, c := range candidates {
		if overlapsAny(accepted, c.Start, c.End) {
			continue
		}
		accepted = append(accepted, c.Match)
	}

	sort.Slice(accepted, func(i, j int) bool {
		return accepted[i].Start < accepted[j].Start
	})

	return accepted
}

func overlapsAny(matches []Match, start, end int) bool {
	for i := range matches {
		if start < matches[i].End && matches[i].Start < end {
			return true
		}
	}
	return false
}

// Apply splices a replacement for every match back into the text,
// copying unmatched spans through verbatim. Matches must be sorted by
// start and non-overlapping, which Scan guarantees.
func Apply(text string, matches []Match, replace func(Match) string) string {
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		b.WriteString(replace(m))
		last = m.End
	}
	b.WriteString(text[last:])

	return b.String()
}
