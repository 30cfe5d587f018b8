package treediff

import (
	"strings"

	"github.com/aleister1102/webtrack/internal/normalizer"

	"golang.org/x/net/html"
)

// Tags excluded from matching and from diff output, descendants included.
// They carry no visible content.
var ignoredTags = map[string]struct{}{
	"style": {}, "base": {}, "link": {}, "meta": {}, "script": {},
	"noscript": {}, "title": {}, "head": {}, "svg": {}, "defs": {},
	"polygon": {}, "rect": {}, "path": {},
}

// Hosts and path fragments of tracking pixels and ad beacons. Subtrees
// pointing at them are invisible noise: they churn on every capture and
// must never surface as a change.
var junkURLFragments = []string{
	"bat.bing.com",
	"doubleclick.net",
	"googleadservices.com",
	"googlesyndication.com",
	"google-analytics.com",
	"analytics.twitter.com",
	"pixel.wp.com",
	"images/blank.png",
}

// Tags treated as text leaves in fast mode: their inner text stands in for
// subtree comparison.
var fastLeafTags = map[string]struct{}{
	"option": {}, "label": {},
}

// Additional leaf tags in faster mode: block elements compared as flat text.
var fasterLeafTags = map[string]struct{}{
	"p": {}, "h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {},
}

// node wraps one element (or comment) of a parsed document with the cached
// values matching needs: its own text, its subtree text, and its children.
type node struct {
	n        *html.Node
	parent   *node
	children []*node

	tag       string
	isComment bool
	ownText   string
	fullText  string
	matched   *node
}

// buildTree converts a parsed document into the matchable tree, skipping
// ignored tags and junk subtrees. Returns nil when the document has no
// matchable content.
func buildTree(doc *html.Node, mode RatioMode) *node {
	body := findBody(doc)
	if body == nil {
		body = doc
	}
	root := &node{n: body, tag: nodeTag(body)}
	buildChildren(root, mode)
	root.fullText = subtreeText(root)
	return root
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findBody(c); found != nil {
			return found
		}
	}
	return nil
}

func buildChildren(parent *node, mode RatioMode) {
	for c := parent.n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			if _, ignored := ignoredTags[c.Data]; ignored {
				continue
			}
			if isJunkNode(c) {
				continue
			}
			child := &node{n: c, parent: parent, tag: c.Data}
			child.ownText = elementOwnText(c)
			if isLeafForMode(c.Data, mode) {
				child.fullText = normalizer.CollapseWhitespace(nodeText(c))
			} else {
				buildChildren(child, mode)
				child.fullText = subtreeText(child)
			}
			parent.children = append(parent.children, child)
		case html.CommentNode:
			child := &node{
				n: c, parent: parent, tag: "#comment", isComment: true,
				ownText: normalizer.CollapseWhitespace(c.Data),
			}
			child.fullText = child.ownText
			parent.children = append(parent.children, child)
		}
	}
}

func isLeafForMode(tag string, mode RatioMode) bool {
	switch mode {
	case RatioModeFast:
		_, ok := fastLeafTags[tag]
		return ok
	case RatioModeFaster:
		if _, ok := fastLeafTags[tag]; ok {
			return true
		}
		_, ok := fasterLeafTags[tag]
		return ok
	}
	return false
}

func subtreeText(n *node) string {
	if len(n.children) == 0 && n.fullText != "" {
		return n.fullText
	}
	parts := make([]string, 0, len(n.children)+1)
	if n.ownText != "" {
		parts = append(parts, n.ownText)
	}
	for _, c := range n.children {
		if t := c.fullText; t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// elementOwnText is the text directly inside an element, child elements
// excluded.
func elementOwnText(n *html.Node) string {
	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			if t := normalizer.CollapseWhitespace(c.Data); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

// nodeText is the full visible text of an html subtree.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(m *html.Node) {
		if m.Type == html.TextNode {
			sb.WriteString(m.Data)
			sb.WriteString(" ")
			return
		}
		if m.Type == html.ElementNode {
			if _, ignored := ignoredTags[m.Data]; ignored {
				return
			}
		}
		for c := m.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func nodeTag(n *html.Node) string {
	if n.Type == html.ElementNode {
		return n.Data
	}
	return "#document"
}

// postOrder appends the subtree's nodes in post-order, root excluded.
func postOrder(n *node, out []*node) []*node {
	for _, c := range n.children {
		out = postOrder(c, out)
		out = append(out, c)
	}
	return out
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// stripQuery removes the query string from a URL-ish attribute value, so
// cache busters do not break image identity.
func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i != -1 {
		return u[:i]
	}
	return u
}

// isJunkNode reports whether an element subtree is known-invisible: a
// tracking beacon, a hidden element, or a wrapper whose only content is a
// junk image.
func isJunkNode(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}

	for _, key := range []string{"src", "href"} {
		if v := attrValue(n, key); v != "" && isJunkURL(v) {
			return true
		}
	}

	if isInvisibleStyle(attrValue(n, "style")) {
		return true
	}
	if attrValue(n, "width") == "1" && attrValue(n, "height") == "1" {
		return true
	}

	// A div/span wrapping nothing but junk images is itself junk.
	if n.Data == "div" || n.Data == "span" {
		return isJunkWrapper(n)
	}
	return false
}

func isJunkURL(u string) bool {
	lower := strings.ToLower(u)
	for _, fragment := range junkURLFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func isInvisibleStyle(style string) bool {
	if style == "" {
		return false
	}
	compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
	return strings.Contains(compact, "display:none") ||
		strings.Contains(compact, "visibility:hidden") ||
		strings.Contains(compact, "width:0") ||
		strings.Contains(compact, "height:0")
}

func isJunkWrapper(n *html.Node) bool {
	sawJunkImg := false
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return false
			}
		case html.ElementNode:
			if c.Data == "img" && isJunkNode(c) {
				sawJunkImg = true
				continue
			}
			return false
		}
	}
	return sawJunkImg
}
