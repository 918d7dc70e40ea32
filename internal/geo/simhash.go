package geo

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// Simhash64 builds a 64-bit simhash over FNV-1a token hashes. The bool is false
// when the text has no tokens.
func Simhash64(text string) (uint64, bool) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return 0, false
	}

	var bitWeights [FingerprintBits]int
	for _, token := range tokens {
		h := hashToken64(token)
		for bit := 0; bit < FingerprintBits; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				bitWeights[bit]++
			} else {
				bitWeights[bit]--
			}
		}
	}

	var result uint64
	for bit := 0; bit < FingerprintBits; bit++ {
		if bitWeights[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return result, true
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit.
func Tokenize(text string) []string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return nil
	}
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func hashToken64(token string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(token))
	return hasher.Sum64()
}
