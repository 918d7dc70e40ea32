package placematch

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"horse.fit/geostory/internal/db"
	evidenceschema "horse.fit/geostory/schema"
)

const (
	earlyMentionFraction = 0.1
	snippetRadius        = 40
	maxSnippets          = 3
)

// Candidate is one accepted place for an article.
type Candidate struct {
	ArticleID     int64
	PlaceID       int64
	PlaceName     string
	MentionText   string
	RelationType  RelationType
	Confidence    float64
	MentionWeight float64
	RuleLevel     RuleLevel
	Method        string
	Evidence      Evidence
}

// Evidence is stored as JSON on each place relation.
type Evidence struct {
	Version            string   `json:"evidence_version"`
	Rule               string   `json:"rule"`
	RuleLevel          int      `json:"rule_level"`
	EffectiveRuleLevel int      `json:"effective_rule_level"`
	MatchCount         int      `json:"match_count"`
	MentionWeight      float64  `json:"mention_weight"`
	FirstPosition      int      `json:"first_position"`
	TextLength         int      `json:"text_length"`
	InHeadline         bool     `json:"in_headline"`
	EarlyMention       bool     `json:"early_mention"`
	Confidence         float64  `json:"confidence"`
	Matches            []Match  `json:"matches"`
	Snippets           []string `json:"snippets,omitempty"`
}

// MentionWeight scores how prominent a place is. Level 1 counts occurrences;
// level 2 and up double for a headline mention and add half again when the
// first mention falls in the opening tenth of the text.
func MentionWeight(level RuleLevel, matchCount int, inHeadline, early bool) float64 {
	if matchCount <= 0 || level == RuleNone {
		return 0
	}
	weight := float64(matchCount)
	if level.Effective() < RuleContextAware {
		return weight
	}
	if inHeadline {
		weight *= 2
	}
	if early {
		weight *= 1.5
	}
	return weight
}

// Confidence combines the level multiplier, mention weight, position of the
// first mention and the headline flag into a value in [0,1].
func Confidence(level RuleLevel, mentionWeight float64, firstPosition, textLength int, inHeadline bool) float64 {
	score := 0.5 * level.Multiplier()
	score += math.Min(mentionWeight*0.1, 0.3)
	if textLength > 0 {
		score += (1 - float64(firstPosition)/float64(textLength)) * 0.2
	}
	if inHeadline {
		score += 0.2
	}
	return math.Max(0, math.Min(1, score))
}

func isEarly(firstPosition, textLength int) bool {
	return textLength > 0 && float64(firstPosition) < earlyMentionFraction*float64(textLength)
}

// dominantVariant is the variant matched most often, earliest on ties.
func dominantVariant(matches []Match) string {
	counts := make(map[string]int, len(matches))
	for _, m := range matches {
		counts[m.Variant]++
	}
	best := ""
	bestCount := 0
	for _, m := range matches {
		if c := counts[m.Variant]; c > bestCount {
			best, bestCount = m.Variant, c
		}
	}
	return best
}

type scoreResult struct {
	accepted []Candidate
	rejected int
}

// scoreArticle runs the scan and scoring steps for every place. Candidates
// below threshold are counted and dropped.
func scoreArticle(articleID int64, places []compiledPlace, text preparedText, level RuleLevel, threshold float64) scoreResult {
	var res scoreResult
	if level == RuleNone || text.length() == 0 {
		return res
	}

	method := methodForLevel(level)
	for _, place := range places {
		matches := text.scanPlace(place)
		if len(matches) == 0 {
			continue
		}

		first := matches[0].Position
		inHeadline := false
		for _, m := range matches {
			if m.InHeadline {
				inHeadline = true
				break
			}
		}
		early := isEarly(first, text.length())
		weight := MentionWeight(level, len(matches), inHeadline, early)
		confidence := Confidence(level, weight, first, text.length(), inHeadline)
		if confidence < threshold {
			res.rejected++
			continue
		}

		snippets := make([]string, 0, maxSnippets)
		for i := 0; i < len(matches) && i < maxSnippets; i++ {
			snippets = append(snippets, text.snippet(matches[i], snippetRadius))
		}

		res.accepted = append(res.accepted, Candidate{
			ArticleID:     articleID,
			PlaceID:       place.id,
			PlaceName:     place.name,
			MentionText:   dominantVariant(matches),
			RelationType:  DetermineRelationType(weight, inHeadline),
			Confidence:    confidence,
			MentionWeight: weight,
			RuleLevel:     level,
			Method:        method,
			Evidence: Evidence{
				Version:            evidenceschema.EvidenceVersion,
				Rule:               level.String(),
				RuleLevel:          int(level),
				EffectiveRuleLevel: int(level.Effective()),
				MatchCount:         len(matches),
				MentionWeight:      weight,
				FirstPosition:      first,
				TextLength:         text.length(),
				InHeadline:         inHeadline,
				EarlyMention:       early,
				Confidence:         confidence,
				Matches:            matches,
				Snippets:           snippets,
			},
		})
	}

	sort.SliceStable(res.accepted, func(i, j int) bool {
		if res.accepted[i].Confidence != res.accepted[j].Confidence {
			return res.accepted[i].Confidence > res.accepted[j].Confidence
		}
		return res.accepted[i].PlaceID < res.accepted[j].PlaceID
	})
	return res
}

// relationParams serializes and validates candidates for persistence.
func relationParams(candidates []Candidate) ([]db.PlaceRelationParams, error) {
	out := make([]db.PlaceRelationParams, 0, len(candidates))
	for _, c := range candidates {
		evidence, err := json.Marshal(c.Evidence)
		if err != nil {
			return nil, fmt.Errorf("marshal evidence place=%d: %w", c.PlaceID, err)
		}
		if err := evidenceschema.ValidateMatchEvidence(evidence); err != nil {
			return nil, fmt.Errorf("validate evidence place=%d: %w", c.PlaceID, err)
		}
		out = append(out, db.PlaceRelationParams{
			PlaceID:              c.PlaceID,
			RelationType:         c.RelationType.String(),
			Confidence:           c.Confidence,
			RuleLevel:            int(c.RuleLevel),
			MentionText:          c.MentionText,
			DisambiguationMethod: c.Method,
			Evidence:             evidence,
		})
	}
	return out, nil
}
