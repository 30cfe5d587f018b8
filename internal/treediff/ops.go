package treediff

import (
	"fmt"
	"strings"
)

// OpKind enumerates the edit-script operations the matcher derives.
type OpKind string

const (
	OpInsertNode OpKind = "insert-node"
	OpDeleteNode OpKind = "delete-node"
	OpRenameNode OpKind = "rename-node"
	OpMoveNode   OpKind = "move-node"
	OpUpdateAttr OpKind = "update-attr"
	OpUpdateText OpKind = "update-text"
)

// Op is one step of the edit script turning the old tree into the new one.
// Paths address nodes by tag position from the body root.
type Op struct {
	Kind  OpKind `json:"kind"`
	Path  string `json:"path"`
	Tag   string `json:"tag,omitempty"`
	Attr  string `json:"attr,omitempty"`
	Value string `json:"value,omitempty"`
}

// buildEditScript derives the operation list from a completed matching:
// unmatched new nodes insert, unmatched old nodes delete (bottom-up, so
// children go before their parents), and matched pairs contribute renames,
// moves, and attribute/text updates.
func buildEditScript(oldRoot, newRoot *node) []Op {
	var ops []Op

	var walkNew func(n *node)
	walkNew = func(n *node) {
		for _, c := range n.children {
			if c.matched == nil {
				ops = append(ops, Op{Kind: OpInsertNode, Path: nodePath(c), Tag: c.tag})
				continue
			}
			ops = append(ops, pairOps(c.matched, c)...)
			walkNew(c)
		}
	}
	walkNew(newRoot)

	oldNodes := postOrder(oldRoot, nil)
	for _, n := range oldNodes {
		if n.matched == nil {
			ops = append(ops, Op{Kind: OpDeleteNode, Path: nodePath(n), Tag: n.tag})
		}
	}
	return ops
}

// pairOps emits the non-structural changes between a matched (old, new)
// pair.
func pairOps(oldN, newN *node) []Op {
	var ops []Op

	if oldN.tag != newN.tag {
		ops = append(ops, Op{Kind: OpRenameNode, Path: nodePath(newN), Tag: newN.tag, Value: oldN.tag})
	}
	if movedUnderDifferentParent(oldN, newN) {
		ops = append(ops, Op{Kind: OpMoveNode, Path: nodePath(newN), Tag: newN.tag})
	}
	for _, change := range changedAttrs(oldN, newN) {
		ops = append(ops, Op{Kind: OpUpdateAttr, Path: nodePath(newN), Tag: newN.tag,
			Attr: change.key, Value: change.newValue})
	}
	if !oldN.isComment && oldN.ownText != newN.ownText {
		ops = append(ops, Op{Kind: OpUpdateText, Path: nodePath(newN), Tag: newN.tag, Value: newN.ownText})
	}
	return ops
}

func movedUnderDifferentParent(oldN, newN *node) bool {
	if oldN.parent == nil || newN.parent == nil {
		return false
	}
	return oldN.parent.matched != newN.parent
}

type attrChange struct {
	key      string
	oldValue string
	newValue string
}

// changedAttrs lists the attributes that differ between a matched pair,
// class noise excluded.
func changedAttrs(oldN, newN *node) []attrChange {
	if oldN.isComment || newN.isComment {
		return nil
	}

	var changes []attrChange
	seen := map[string]struct{}{}
	for _, a := range newN.n.Attr {
		seen[a.Key] = struct{}{}
		if old := attrValue(oldN.n, a.Key); old != a.Val {
			changes = append(changes, attrChange{key: a.Key, oldValue: old, newValue: a.Val})
		}
	}
	for _, a := range oldN.n.Attr {
		if _, ok := seen[a.Key]; !ok {
			changes = append(changes, attrChange{key: a.Key, oldValue: a.Val, newValue: ""})
		}
	}
	return changes
}

// isRetarget reports whether an attribute change points a link or image at
// a genuinely different target. Query-string churn on an image is a cache
// buster, not a change.
func isRetarget(change attrChange) bool {
	switch change.key {
	case "href":
		return change.newValue != ""
	case "src":
		return change.newValue != "" &&
			stripQuery(change.oldValue) != stripQuery(change.newValue)
	}
	return false
}

// nodePath renders a positional path like body/div[2]/p[1].
func nodePath(n *node) string {
	var parts []string
	for cur := n; cur != nil; cur = cur.parent {
		if cur.parent == nil {
			parts = append(parts, cur.tag)
			break
		}
		pos := 1
		for _, sibling := range cur.parent.children {
			if sibling == cur {
				break
			}
			if sibling.tag == cur.tag {
				pos++
			}
		}
		parts = append(parts, fmt.Sprintf("%s[%d]", cur.tag, pos))
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}
