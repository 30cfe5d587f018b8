package treediff

import (
	"github.com/aleister1102/webtrack/internal/normalizer"
	"github.com/aleister1102/webtrack/internal/seqdiff"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// diffStylesheet is injected into the head of both annotated sides.
// Inserted content gets a green background, deleted content orange with
// strike-through, and elements whose link or image target changed get a
// dashed border.
const diffStylesheet = `
.cfy-ins { background-color: #6FDC8C !important; }
.cfy-del { background-color: #ffb784 !important; text-decoration: line-through !important; }
.cfy-upd { outline: 2px dashed #ff8c00 !important; }
img.cfy-ins { border: 4px solid #6FDC8C !important; }
img.cfy-del { border: 4px solid #ffb784 !important; }
`

// annotateSides marks the matched trees' changes directly on the parsed
// documents and renders them. The old document becomes the left side with
// deletions highlighted, the new one the right side with insertions.
func annotateSides(oldDoc, newDoc *html.Node, oldRoot, newRoot *node, baseURL string) (string, string, error) {
	annotateTree(oldRoot, diffmatchpatch.DiffDelete, "cfy-del")
	annotateTree(newRoot, diffmatchpatch.DiffInsert, "cfy-ins")

	for _, doc := range []*html.Node{oldDoc, newDoc} {
		injectStylesheet(doc)
		if baseURL != "" {
			patchBase(doc, baseURL)
		}
	}

	left, err := normalizer.RenderDocument(oldDoc)
	if err != nil {
		return "", "", err
	}
	right, err := normalizer.RenderDocument(newDoc)
	if err != nil {
		return "", "", err
	}
	return string(left), string(right), nil
}

// annotateTree walks one side's tree and applies its highlight class to
// unmatched subtrees, word-level text changes, and changed link targets.
// keep selects which word-diff operation belongs to this side.
func annotateTree(root *node, keep diffmatchpatch.Operation, class string) {
	var walk func(n *node)
	walk = func(n *node) {
		for _, c := range n.children {
			if c.isComment {
				continue
			}
			if c.matched == nil {
				// Children of an unmatched subtree inherit the highlight.
				if c.parent == nil || c.parent.matched != nil {
					addClass(c.n, class)
				}
				walk(c)
				continue
			}

			other := c.matched
			if c.ownText != other.ownText {
				before, after := c.ownText, other.ownText
				if keep == diffmatchpatch.DiffInsert {
					before, after = other.ownText, c.ownText
				}
				replaceOwnText(c.n, seqdiff.WordDiff(before, after), keep, class)
			}
			if linkTargetChanged(c, other) {
				addClass(c.n, "cfy-upd")
			}
			walk(c)
		}
	}
	walk(root)
}

func linkTargetChanged(a, b *node) bool {
	for _, change := range changedAttrs(a, b) {
		if isRetarget(change) {
			return true
		}
	}
	return false
}

// replaceOwnText swaps an element's direct text children for the word-diff
// rendering: equal words pass through, this side's changed words are
// wrapped in highlight spans, the other side's are dropped.
func replaceOwnText(el *html.Node, diffs []diffmatchpatch.Diff, keep diffmatchpatch.Operation, class string) {
	// Anchor at the first text child so the rendered run lands where the
	// original text sat relative to element children.
	var anchor *html.Node
	var next *html.Node
	for c := el.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.TextNode {
			if anchor == nil {
				anchor = next
			}
			el.RemoveChild(c)
		}
	}

	insert := func(n *html.Node) {
		if anchor != nil {
			el.InsertBefore(n, anchor)
		} else {
			el.AppendChild(n)
		}
	}

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			insert(&html.Node{Type: html.TextNode, Data: d.Text})
		case keep:
			span := &html.Node{
				Type:     html.ElementNode,
				Data:     "span",
				DataAtom: atom.Span,
				Attr:     []html.Attribute{{Key: "class", Val: class}},
			}
			span.AppendChild(&html.Node{Type: html.TextNode, Data: d.Text})
			insert(span)
		}
	}
}

func addClass(n *html.Node, class string) {
	for i := range n.Attr {
		if n.Attr[i].Key == "class" {
			n.Attr[i].Val += " " + class
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: class})
}

func injectStylesheet(doc *html.Node) {
	head := findElement(doc, "head")
	if head == nil {
		return
	}
	style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: diffStylesheet})
	head.AppendChild(style)
}

// patchBase points relative URLs at the live site so stylesheets and images
// resolve when the annotated side is opened later. An existing base tag is
// rewritten rather than duplicated.
func patchBase(doc *html.Node, baseURL string) {
	if base := findElement(doc, "base"); base != nil {
		set := false
		for i := range base.Attr {
			if base.Attr[i].Key == "href" {
				base.Attr[i].Val = baseURL
				set = true
			}
		}
		if !set {
			base.Attr = append(base.Attr, html.Attribute{Key: "href", Val: baseURL})
		}
		return
	}

	head := findElement(doc, "head")
	if head == nil {
		return
	}
	base := &html.Node{
		Type:     html.ElementNode,
		Data:     "base",
		DataAtom: atom.Base,
		Attr:     []html.Attribute{{Key: "href", Val: baseURL}},
	}
	if head.FirstChild != nil {
		head.InsertBefore(base, head.FirstChild)
	} else {
		head.AppendChild(base)
	}
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}
