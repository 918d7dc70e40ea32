package placematch

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"horse.fit/geostory/internal/db"
)

// Match is one occurrence of a place name variant in the article text.
// Position is a rune offset into the NFC-normalized text.
type Match struct {
	Variant    string `json:"variant"`
	Position   int    `json:"position"`
	InHeadline bool   `json:"in_headline,omitempty"`
}

type variant struct {
	text  string
	runes []rune
}

type compiledPlace struct {
	id       int64
	name     string
	variants []variant
}

// preparedText holds the article in two rune-aligned forms: display keeps the
// original casing for snippets, folded is what variants are compared with.
type preparedText struct {
	display     []rune
	folded      []rune
	headlineEnd int
	// starts maps a folded rune to every offset where it opens a word.
	starts map[rune][]int
}

func compilePlaces(places []db.GazetteerPlace) []compiledPlace {
	folder := cases.Fold()
	out := make([]compiledPlace, 0, len(places))
	for _, p := range places {
		cp := compiledPlace{id: p.PlaceID, name: p.CanonicalName}
		seen := make(map[string]struct{}, len(p.Names)+1)
		for _, name := range append([]string{p.CanonicalName}, p.Names...) {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			key := folder.String(norm.NFC.String(name))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			runes := foldRunes(name)
			cp.variants = append(cp.variants, variant{text: string(runes), runes: runes})
		}
		if len(cp.variants) == 0 {
			continue
		}
		// Longer variants claim their span first so "New York City" wins over "York".
		sort.SliceStable(cp.variants, func(i, j int) bool {
			if len(cp.variants[i].runes) != len(cp.variants[j].runes) {
				return len(cp.variants[i].runes) > len(cp.variants[j].runes)
			}
			return cp.variants[i].text < cp.variants[j].text
		})
		out = append(out, cp)
	}
	return out
}

// foldRunes lowercases rune by rune so offsets stay aligned with the display text.
func foldRunes(s string) []rune {
	runes := []rune(norm.NFC.String(s))
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func prepareText(title, body string) preparedText {
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)

	var full string
	switch {
	case title == "":
		full = body
	case body == "":
		full = title
	default:
		full = title + "\n\n" + body
	}

	display := []rune(norm.NFC.String(full))
	folded := make([]rune, len(display))
	for i, r := range display {
		folded[i] = unicode.ToLower(r)
	}

	t := preparedText{
		display:     display,
		folded:      folded,
		headlineEnd: len([]rune(norm.NFC.String(title))),
		starts:      make(map[rune][]int),
	}
	for i, r := range folded {
		if i > 0 && isWordRune(folded[i-1]) {
			continue
		}
		t.starts[r] = append(t.starts[r], i)
	}
	return t
}

func (t *preparedText) length() int {
	return len(t.folded)
}

func (t *preparedText) matchAt(pos int, v []rune) bool {
	end := pos + len(v)
	if end > len(t.folded) {
		return false
	}
	for i, r := range v {
		if t.folded[pos+i] != r {
			return false
		}
	}
	return end == len(t.folded) || !isWordRune(t.folded[end])
}

type span struct{ start, end int }

func overlaps(taken []span, start, end int) bool {
	for _, s := range taken {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}

// scanPlace finds every non-overlapping whole-word occurrence of the place's
// variants, ordered by position.
func (t *preparedText) scanPlace(p compiledPlace) []Match {
	var (
		matches []Match
		taken   []span
	)
	for _, v := range p.variants {
		for _, pos := range t.starts[v.runes[0]] {
			if !t.matchAt(pos, v.runes) {
				continue
			}
			end := pos + len(v.runes)
			if overlaps(taken, pos, end) {
				continue
			}
			taken = append(taken, span{start: pos, end: end})
			matches = append(matches, Match{
				Variant:    v.text,
				Position:   pos,
				InHeadline: pos < t.headlineEnd,
			})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Position < matches[j].Position
	})
	return matches
}

// snippet returns up to radius runes of context either side of a match with
// whitespace collapsed.
func (t *preparedText) snippet(m Match, radius int) string {
	start := max(0, m.Position-radius)
	end := min(len(t.display), m.Position+len([]rune(m.Variant))+radius)
	return strings.Join(strings.Fields(string(t.display[start:end])), " ")
}
