package treediff

import (
	"context"

	"github.com/aleister1102/webtrack/internal/seqdiff"

	"golang.org/x/net/html"
)

const fastMatchRatio = 0.5

// matcher pairs nodes of the old tree with nodes of the new tree. Matching
// is the CPU-bound heart of the differ, so every outer loop checks the
// context and aborts with ErrDiffTimeout on expiry.
type matcher struct {
	opts Options
}

// matchTrees runs the fast LCS pass followed by the greedy pass and leaves
// the results in the nodes' matched pointers.
func (m *matcher) matchTrees(ctx context.Context, oldRoot, newRoot *node) error {
	oldNodes := postOrder(oldRoot, nil)
	newNodes := postOrder(newRoot, nil)

	if m.opts.FastMatch {
		if err := m.fastMatch(ctx, oldNodes, newNodes); err != nil {
			return err
		}
	}
	if err := m.greedyMatch(ctx, oldNodes, newNodes); err != nil {
		return err
	}

	oldRoot.matched = newRoot
	newRoot.matched = oldRoot
	return nil
}

// fastMatch computes the longest common subsequence of the two post-order
// traversals, where a pair is "equal" when its ratio clears 0.5. Most of a
// typical page is unchanged, so this pass pairs the bulk cheaply and leaves
// only the churn to the greedy pass.
func (m *matcher) fastMatch(ctx context.Context, oldNodes, newNodes []*node) error {
	n, mm := len(oldNodes), len(newNodes)
	if n == 0 || mm == 0 {
		return nil
	}

	// Standard LCS table over node-pair equality.
	lcs := make([][]int32, n+1)
	for i := range lcs {
		lcs[i] = make([]int32, mm+1)
	}

	for i := 1; i <= n; i++ {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		for j := 1; j <= mm; j++ {
			if m.pairEqual(oldNodes[i-1], newNodes[j-1]) {
				lcs[i][j] = lcs[i-1][j-1] + 1
			} else if lcs[i-1][j] >= lcs[i][j-1] {
				lcs[i][j] = lcs[i-1][j]
			} else {
				lcs[i][j] = lcs[i][j-1]
			}
		}
	}

	for i, j := n, mm; i > 0 && j > 0; {
		switch {
		case m.pairEqual(oldNodes[i-1], newNodes[j-1]):
			oldNodes[i-1].matched = newNodes[j-1]
			newNodes[j-1].matched = oldNodes[i-1]
			i--
			j--
		case lcs[i-1][j] >= lcs[i][j-1]:
			i--
		default:
			j--
		}
	}
	return nil
}

func (m *matcher) pairEqual(a, b *node) bool {
	if a.matched != nil || b.matched != nil {
		return a.matched == b
	}
	return m.nodeRatio(a, b) >= fastMatchRatio
}

// greedyMatch pairs every remaining old node with the best-scoring new node
// clearing the threshold. A perfect score short-circuits the scan.
func (m *matcher) greedyMatch(ctx context.Context, oldNodes, newNodes []*node) error {
	for _, a := range oldNodes {
		if a.matched != nil {
			continue
		}
		if err := checkCancel(ctx); err != nil {
			return err
		}

		var best *node
		bestRatio := 0.0
		for _, b := range newNodes {
			if b.matched != nil {
				continue
			}
			ratio := m.nodeRatio(a, b)
			if ratio > bestRatio {
				best, bestRatio = b, ratio
				if ratio == 1 {
					break
				}
			}
		}

		if best != nil && bestRatio >= m.opts.Threshold {
			a.matched = best
			best.matched = a
		}
	}
	return nil
}

// nodeRatio scores a candidate pair in [0, 1]. Several tags carry veto
// rules that disqualify a pair outright: an image must keep its source, a
// link may change its target or its text but not both, form controls
// compare whole. A pair that survives the vetoes is scored on text and
// child structure.
func (m *matcher) nodeRatio(a, b *node) float64 {
	if a.isComment || b.isComment {
		if a.isComment != b.isComment {
			return 0
		}
		return seqdiff.TextRatio(a.ownText, b.ownText)
	}

	if a.tag == "img" || b.tag == "img" {
		if stripQuery(attrValue(a.n, "src")) != stripQuery(attrValue(b.n, "src")) {
			return 0
		}
	}
	if a.tag == "a" || b.tag == "a" {
		if attrValue(a.n, "href") != attrValue(b.n, "href") && a.fullText != b.fullText {
			return 0
		}
	}
	if a.tag == "option" || b.tag == "option" || a.tag == "label" || b.tag == "label" {
		if a.fullText != b.fullText {
			return 0
		}
	}
	if a.tag == "input" || b.tag == "input" || a.tag == "textarea" || b.tag == "textarea" {
		if a.tag != b.tag || serializeTag(a.n) != serializeTag(b.n) {
			return 0
		}
		return 1
	}

	for _, attr := range m.opts.UniqueAttrs {
		av, bv := attrValue(a.n, attr), attrValue(b.n, attr)
		if av != "" || bv != "" {
			if av == bv {
				return 1
			}
			return 0
		}
	}

	textRatio := seqdiff.TextRatio(a.fullText, b.fullText)
	childRatio := m.childStructureRatio(a, b)
	return (textRatio + childRatio) / 2
}

// childStructureRatio compares two nodes' child tag sequences. Childless
// pairs defer entirely to text similarity.
func (m *matcher) childStructureRatio(a, b *node) float64 {
	if len(a.children) == 0 && len(b.children) == 0 {
		return seqdiff.TextRatio(a.fullText, b.fullText)
	}
	if len(a.children) == 0 || len(b.children) == 0 {
		return 0
	}
	return seqdiff.TextRatio(childTagString(a), childTagString(b))
}

func childTagString(n *node) string {
	var sb []byte
	for _, c := range n.children {
		sb = append(sb, c.tag...)
		sb = append(sb, ' ')
	}
	return string(sb)
}

// serializeTag renders an element's open tag with its sorted attributes,
// which is identity for form controls.
func serializeTag(n *html.Node) string {
	out := "<" + n.Data
	for _, a := range n.Attr {
		out += " " + a.Key + `="` + a.Val + `"`
	}
	return out + ">"
}

func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrDiffTimeout
	default:
		return nil
	}
}
