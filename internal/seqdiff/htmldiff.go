package seqdiff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Stylesheet carries the annotation rules shared by both rendered sides.
// Inserted text is green-backed, deleted text orange with strike-through.
const Stylesheet = `<style>
span.insert { background: #6FDC8C; }
span.delete { background: #ffb784; text-decoration: line-through; }
</style>`

type tokenKind int

const (
	tokenTag tokenKind = iota
	tokenWord
	tokenSpace
)

type token struct {
	kind tokenKind
	text string
}

// DiffDocuments produces a single annotated document from two HTML
// documents: kept content passes through, removed text is wrapped in
// <span class="delete">, inserted content in <span class="insert">.
// Deleted markup contributes only its text, so the combined document keeps
// the new side's structure. Pure whitespace changes stay unannotated.
func DiffDocuments(oldHTML, newHTML string) string {
	oldTokens := tokenize(oldHTML)
	newTokens := tokenize(newHTML)

	dmp := diffmatchpatch.New()
	ca, cb, lookup := tokensToChars(oldTokens, newTokens)
	diffs := dmp.DiffMain(ca, cb, false)

	var out strings.Builder
	for _, d := range diffs {
		tokens := charsToTokens(d.Text, lookup)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			for _, t := range tokens {
				out.WriteString(t.text)
			}
		case diffmatchpatch.DiffDelete:
			writeAnnotated(&out, tokens, "delete")
		case diffmatchpatch.DiffInsert:
			writeAnnotated(&out, tokens, "insert")
		}
	}
	return out.String()
}

// SplitSides renders a diffed document into its left-only and right-only
// variants: the left keeps deletions and drops insertions, the right the
// reverse. Both carry the stylesheet.
func SplitSides(diffed string) (left, right string) {
	left = stripSpans(diffed, "insert")
	right = stripSpans(diffed, "delete")
	return Stylesheet + left, Stylesheet + right
}

func writeAnnotated(out *strings.Builder, tokens []token, class string) {
	// Insertions keep their markup; deleted markup is dropped so the
	// combined document stays well-formed on the new side's structure.
	keepTags := class == "insert"

	run := make([]token, 0, len(tokens))
	flush := func() {
		if len(run) == 0 {
			return
		}
		if isVisibleRun(run) {
			out.WriteString(`<span class="` + class + `">`)
			for _, t := range run {
				out.WriteString(t.text)
			}
			out.WriteString(`</span>`)
		} else {
			for _, t := range run {
				out.WriteString(t.text)
			}
		}
		run = run[:0]
	}

	for _, t := range tokens {
		if t.kind == tokenTag {
			flush()
			if keepTags {
				out.WriteString(t.text)
			}
			continue
		}
		run = append(run, t)
	}
	flush()
}

// isVisibleRun reports whether a text run contains anything beyond
// whitespace. Whitespace-only differences collapse to the same rendering,
// so annotating them would flag invisible changes.
func isVisibleRun(run []token) bool {
	for _, t := range run {
		if t.kind == tokenWord {
			return true
		}
	}
	return false
}

func tokenize(s string) []token {
	var tokens []token
	i := 0
	for i < len(s) {
		switch {
		case s[i] == '<':
			end := strings.IndexByte(s[i:], '>')
			if end == -1 {
				// Unclosed tag degrades to text.
				tokens = append(tokens, token{tokenWord, s[i:]})
				return tokens
			}
			tokens = append(tokens, token{tokenTag, s[i : i+end+1]})
			i += end + 1
		case isSpaceByte(s[i]):
			start := i
			for i < len(s) && isSpaceByte(s[i]) {
				i++
			}
			tokens = append(tokens, token{tokenSpace, s[start:i]})
		default:
			start := i
			for i < len(s) && s[i] != '<' && !isSpaceByte(s[i]) {
				i++
			}
			tokens = append(tokens, token{tokenWord, s[start:i]})
		}
	}
	return tokens
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// tokensToChars maps each distinct token to one rune so diffmatchpatch can
// diff token sequences as strings.
func tokensToChars(a, b []token) (string, string, map[rune]token) {
	lookup := make(map[rune]token)
	index := make(map[string]rune)

	encode := func(tokens []token) string {
		encoded := make([]rune, 0, len(tokens))
		for _, t := range tokens {
			key := string(rune(t.kind)) + t.text
			r, ok := index[key]
			if !ok {
				r = rune(len(index) + 1)
				index[key] = r
				lookup[r] = t
			}
			encoded = append(encoded, r)
		}
		return string(encoded)
	}

	return encode(a), encode(b), lookup
}

func charsToTokens(s string, lookup map[rune]token) []token {
	tokens := make([]token, 0, len(s))
	for _, r := range s {
		if t, ok := lookup[r]; ok {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// stripSpans removes <span class="X">...</span> wrappers of one class,
// wrapper and content both.
func stripSpans(s, class string) string {
	open := `<span class="` + class + `">`
	var out strings.Builder
	for {
		idx := strings.Index(s, open)
		if idx == -1 {
			out.WriteString(s)
			return out.String()
		}
		out.WriteString(s[:idx])
		rest := s[idx+len(open):]
		end := strings.Index(rest, `</span>`)
		if end == -1 {
			return out.String()
		}
		s = rest[end+len(`</span>`):]
	}
}
