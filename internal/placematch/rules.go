package placematch

import (
	"fmt"
	"strconv"
	"strings"

	"horse.fit/geostory/internal/faults"
)

// RuleLevel selects how much context the matcher weighs when scoring a
// place mention.
type RuleLevel int

const (
	RuleNone RuleLevel = iota
	RuleBasic
	RuleContextAware
	RuleEntityDisambiguation
	RuleNLPEnhanced
)

// MaxRuleLevel is the highest defined level.
const MaxRuleLevel = RuleNLPEnhanced

var ruleNames = map[RuleLevel]string{
	RuleNone:                 "none",
	RuleBasic:                "basic",
	RuleContextAware:         "context_aware",
	RuleEntityDisambiguation: "entity_disambiguation",
	RuleNLPEnhanced:          "nlp_enhanced",
}

var ruleMultipliers = map[RuleLevel]float64{
	RuleNone:                 1.0,
	RuleBasic:                1.0,
	RuleContextAware:         1.2,
	RuleEntityDisambiguation: 1.4,
	RuleNLPEnhanced:          1.6,
}

func (l RuleLevel) Valid() bool {
	return l >= RuleNone && l <= MaxRuleLevel
}

func (l RuleLevel) String() string {
	if name, ok := ruleNames[l]; ok {
		return name
	}
	return "level_" + strconv.Itoa(int(l))
}

// Multiplier is the base-score multiplier applied in the confidence formula.
func (l RuleLevel) Multiplier() float64 {
	return ruleMultipliers[l]
}

// Effective returns the level whose matching logic actually runs. Entity and
// NLP disambiguation are not available, so levels 3 and 4 score with the
// context-aware rules and keep only their own multiplier.
func (l RuleLevel) Effective() RuleLevel {
	if l > RuleContextAware {
		return RuleContextAware
	}
	return l
}

// ParseRuleLevel accepts a level number or its name.
func ParseRuleLevel(raw string) (RuleLevel, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return RuleNone, faults.Invalid("rule level is required")
	}
	if n, err := strconv.Atoi(value); err == nil {
		level := RuleLevel(n)
		if !level.Valid() {
			return RuleNone, faults.Invalid("rule level %d out of range [0,%d]", n, MaxRuleLevel)
		}
		return level, nil
	}
	for level, name := range ruleNames {
		if name == value {
			return level, nil
		}
	}
	return RuleNone, faults.Invalid("unknown rule level %q", raw)
}

// RelationType classifies how central a place is to an article.
type RelationType string

const (
	RelationPrimary   RelationType = "primary"
	RelationSecondary RelationType = "secondary"
	RelationMentioned RelationType = "mentioned"
	// Affected and origin are valid stored relations that rule-based
	// matching never produces.
	RelationAffected  RelationType = "affected"
	RelationOrigin    RelationType = "origin"
)

func (r RelationType) String() string {
	return string(r)
}

// DetermineRelationType classifies a mention. Weight thresholds are checked
// before the headline flag, so a place with a heavy mention weight is primary
// or secondary regardless of the headline.
func DetermineRelationType(mentionWeight float64, inHeadline bool) RelationType {
	switch {
	case mentionWeight >= 5:
		return RelationPrimary
	case mentionWeight >= 3:
		return RelationSecondary
	case inHeadline:
		return RelationPrimary
	default:
		return RelationMentioned
	}
}

func methodForLevel(level RuleLevel) string {
	return fmt.Sprintf("rule_%s", level.String())
}
