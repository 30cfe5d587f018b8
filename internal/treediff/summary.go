package treediff

import (
	"strings"

	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/seqdiff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// summarize reduces a completed matching to the added and removed change
// summaries. Inserted subtrees feed the added side, deleted subtrees the
// removed side, and matched pairs contribute word-level text changes plus
// retargeted links and images. Content that merely moved shows up on both
// sides and is cancelled out.
func summarize(oldRoot, newRoot *node) (added, removed models.ChangeSummary) {
	collectUnmatched(newRoot, &added)
	collectUnmatched(oldRoot, &removed)

	var walk func(n *node)
	walk = func(n *node) {
		for _, c := range n.children {
			if c.matched == nil {
				continue
			}
			if !c.isComment && c.ownText != c.matched.ownText {
				ins, del := changedWords(c.matched.ownText, c.ownText)
				if ins != "" {
					added.Text = append(added.Text, ins)
				}
				if del != "" {
					removed.Text = append(removed.Text, del)
				}
			}
			for _, change := range changedAttrs(c.matched, c) {
				if !isRetarget(change) {
					continue
				}
				switch change.key {
				case "href":
					added.Links = append(added.Links, change.newValue)
				case "src":
					added.Images = append(added.Images, change.newValue)
				}
			}
			walk(c)
		}
	}
	walk(newRoot)

	cancelMoves(&added, &removed)
	return added, removed
}

// collectUnmatched gathers text, images, and links from every topmost
// unmatched subtree of one side.
func collectUnmatched(root *node, sum *models.ChangeSummary) {
	var walk func(n *node)
	walk = func(n *node) {
		for _, c := range n.children {
			if c.matched != nil {
				walk(c)
				continue
			}
			if text := subtreeTextLines(c); text != "" {
				sum.Text = append(sum.Text, text)
			}
			collectMedia(c, sum)
		}
	}
	walk(root)
}

// subtreeTextLines joins a subtree's element texts with newlines, top-down,
// so a deleted card reads like it rendered.
func subtreeTextLines(n *node) string {
	var parts []string
	var walk func(m *node)
	walk = func(m *node) {
		if m.ownText != "" {
			parts = append(parts, m.ownText)
		}
		for _, c := range m.children {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, "\n")
}

func collectMedia(n *node, sum *models.ChangeSummary) {
	var walk func(m *node)
	walk = func(m *node) {
		if !m.isComment {
			switch m.tag {
			case "img":
				if src := attrValue(m.n, "src"); src != "" {
					sum.Images = append(sum.Images, src)
				}
			case "a":
				if href := attrValue(m.n, "href"); href != "" {
					sum.Links = append(sum.Links, href)
				}
			}
		}
		for _, c := range m.children {
			walk(c)
		}
	}
	walk(n)
}

// changedWords word-diffs a matched pair's text and returns the inserted
// and deleted fragments as two joined strings.
func changedWords(oldText, newText string) (inserted, deleted string) {
	var ins, del []string
	for _, d := range seqdiff.WordDiff(oldText, newText) {
		text := strings.TrimSpace(d.Text)
		if text == "" {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			ins = append(ins, text)
		case diffmatchpatch.DiffDelete:
			del = append(del, text)
		}
	}
	return strings.Join(ins, " "), strings.Join(del, " ")
}

// cancelMoves drops entries appearing verbatim on both sides. A paragraph
// that moved between containers is unmatched in both trees but is not a
// change a reader cares about.
func cancelMoves(added, removed *models.ChangeSummary) {
	added.Text, removed.Text = subtractCommon(added.Text, removed.Text)
	added.Images, removed.Images = subtractCommon(added.Images, removed.Images)
	added.Links, removed.Links = subtractCommon(added.Links, removed.Links)
}

func subtractCommon(a, b []string) ([]string, []string) {
	counts := make(map[string]int, len(b))
	for _, s := range b {
		counts[s]++
	}

	var keptA []string
	for _, s := range a {
		if counts[s] > 0 {
			counts[s]--
			continue
		}
		keptA = append(keptA, s)
	}

	// What survives in counts was never cancelled against a.
	var keptB []string
	for _, s := range b {
		if counts[s] > 0 {
			counts[s]--
			keptB = append(keptB, s)
		}
	}
	return keptA, keptB
}
