package seqdiff

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// TextRatio returns the similarity of two strings in [0, 1], computed as
// 1 - levenshtein/total over a character diff. The tree matcher uses it to
// score candidate node pairs, so it must be cheap and symmetric.
func TextRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	distance := dmp.DiffLevenshtein(diffs)

	total := len([]rune(a))
	if lb := len([]rune(b)); lb > total {
		total = lb
	}
	if distance >= total {
		return 0
	}
	return 1 - float64(distance)/float64(total)
}

// WordDiff diffs two strings at word granularity and applies semantic
// cleanup, so annotations land on whole words instead of mid-token splits.
func WordDiff(a, b string) []diffmatchpatch.Diff {
	dmp := diffmatchpatch.New()

	// The lines-to-chars encoding with word boundaries instead of newlines:
	// each distinct word maps to one rune, the diff runs over the encoded
	// runes, and the result maps back to words.
	ca, cb, words := wordsToChars(a, b)
	diffs := dmp.DiffMain(ca, cb, false)
	diffs = dmp.DiffCharsToLines(diffs, words)
	return dmp.DiffCleanupSemantic(diffs)
}

func wordsToChars(a, b string) (string, string, []string) {
	wordArray := []string{""}
	wordHash := map[string]rune{}

	encode := func(s string) string {
		encoded := make([]rune, 0, len(s)/4)
		for _, word := range splitWords(s) {
			r, ok := wordHash[word]
			if !ok {
				wordArray = append(wordArray, word)
				r = rune(len(wordArray) - 1)
				wordHash[word] = r
			}
			encoded = append(encoded, r)
		}
		return string(encoded)
	}

	return encode(a), encode(b), wordArray
}

// splitWords breaks s into alternating word and whitespace runs, both kept
// so the diff can reassemble the exact original text.
func splitWords(s string) []string {
	var words []string
	start := 0
	inSpace := false
	for i, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if i == 0 {
			inSpace = isSpace
			continue
		}
		if isSpace != inSpace {
			words = append(words, s[start:i])
			start = i
			inSpace = isSpace
		}
	}
	if start < len(s) {
		words = append(words, s[start:])
	}
	return words
}
