package normalizer

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/aleister1102/webtrack/internal/common"

	"golang.org/x/net/html"
)

// Tags whose whole subtree is dropped before fingerprinting. None of them
// render visible content, and most of them churn between requests without
// the page visibly changing.
var strippedTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"link":     {},
	"meta":     {},
	"base":     {},
	"title":    {},
	"svg":      {},
	"defs":     {},
	"polygon":  {},
	"rect":     {},
	"path":     {},
	"area":     {},
	"iframe":   {},
	"frame":    {},
	"frameset": {},
	"embed":    {},
	"object":   {},
	"applet":   {},
}

// The only attributes that survive fingerprinting. Everything outside this
// list either does not affect what the page says (class, id, style) or is
// regenerated per request (nonces, csrf tokens, data-* state).
var safeAttrs = map[string]struct{}{
	"abbr":      {},
	"accesskey": {},
	"alt":       {},
	"axis":      {},
	"checked":   {},
	"cite":      {},
	"compact":   {},
	"coords":    {},
	"datetime":  {},
	"disabled":  {},
	"frame":     {},
	"headers":   {},
	"href":      {},
	"hreflang":  {},
	"media":     {},
	"method":    {},
	"multiple":  {},
	"nohref":    {},
	"nowrap":    {},
	"readonly":  {},
	"rules":     {},
	"scope":     {},
	"selected":  {},
	"shape":     {},
	"span":      {},
	"src":       {},
	"start":     {},
	"summary":   {},
	"title":     {},
	"type":      {},
	"usemap":    {},
	"value":     {},
}

// Normalize parses markup leniently and re-serializes it in a canonical
// form: comments and invisible subtrees removed, whitespace runs collapsed
// to single spaces, and every attribute outside the safe list dropped with
// the survivors sorted by name. Two captures of an unchanged page normalize
// to identical bytes.
func Normalize(htmlBytes []byte) ([]byte, error) {
	doc, err := ParseDocument(htmlBytes)
	if err != nil {
		return nil, err
	}

	normalizeTree(doc)

	return RenderDocument(doc)
}

// Fingerprint returns the hex md5 of normalized markup. Fingerprint
// equality is the pipeline's "page did not change" signal, so it must only
// ever be computed over Normalize output.
func Fingerprint(normalized []byte) string {
	sum := md5.Sum(normalized)
	return hex.EncodeToString(sum[:])
}

// ParseDocument parses HTML with the lenient x/net/html parser. Broken
// markup never fails here; the parser recovers the way browsers do.
func ParseDocument(htmlBytes []byte) (*html.Node, error) {
	doc, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, common.WrapError(err, "failed to parse html document")
	}
	return doc, nil
}

// RenderDocument serializes a parsed tree back to markup.
func RenderDocument(doc *html.Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, common.WrapError(err, "failed to render html document")
	}
	return buf.Bytes(), nil
}

func normalizeTree(n *html.Node) {
	var next *html.Node
	for child := n.FirstChild; child != nil; child = next {
		next = child.NextSibling
		if shouldDrop(child) {
			n.RemoveChild(child)
			continue
		}
		normalizeTree(child)
	}

	switch n.Type {
	case html.TextNode:
		n.Data = CollapseWhitespace(n.Data)
	case html.ElementNode:
		n.Attr = normalizeAttrs(n.Attr)
	}
}

func shouldDrop(n *html.Node) bool {
	switch n.Type {
	case html.CommentNode:
		return true
	case html.ElementNode:
		_, drop := strippedTags[n.Data]
		return drop
	}
	return false
}

// CollapseWhitespace reduces every whitespace run, non-breaking spaces
// included, to one space and trims both ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeAttrs(attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, attr := range attrs {
		if _, safe := safeAttrs[attr.Key]; !safe {
			continue
		}
		kept = append(kept, attr)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Key != kept[j].Key {
			return kept[i].Key < kept[j].Key
		}
		return kept[i].Namespace < kept[j].Namespace
	})
	return kept
}
