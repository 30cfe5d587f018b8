package normalizer

import (
	"regexp"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
)

// A junk xpath normally addresses whole nodes. The trailing /@attr form
// means "blank that attribute on the matched nodes" so the element stays
// in place for layout while its tracked value stops changing the diff.
var attrXPathRegex = regexp.MustCompile(`^(.*)/@([a-zA-Z][a-zA-Z0-9-]*)$`)

// RemoveJunk applies per-source junk xpaths to a parsed document in place.
// Plain expressions detach every matched node; /@attr expressions blank the
// attribute instead. Invalid expressions are logged and skipped so one bad
// xpath never fails a capture or a diff.
func RemoveJunk(doc *html.Node, xpaths []string, logger zerolog.Logger) {
	for _, raw := range xpaths {
		if raw == "" {
			continue
		}

		if m := attrXPathRegex.FindStringSubmatch(raw); m != nil {
			blankAttribute(doc, m[1], m[2], logger)
			continue
		}

		expr, err := xpath.Compile(raw)
		if err != nil {
			logger.Warn().Err(err).Str("xpath", raw).Msg("Skipping invalid junk xpath")
			continue
		}
		for _, node := range htmlquery.QuerySelectorAll(doc, expr) {
			if node.Parent != nil {
				node.Parent.RemoveChild(node)
			}
		}
	}
}

func blankAttribute(doc *html.Node, nodeExpr, attrName string, logger zerolog.Logger) {
	expr, err := xpath.Compile(nodeExpr)
	if err != nil {
		logger.Warn().Err(err).Str("xpath", nodeExpr).Msg("Skipping invalid junk attribute xpath")
		return
	}
	for _, node := range htmlquery.QuerySelectorAll(doc, expr) {
		for i := range node.Attr {
			if node.Attr[i].Key == attrName {
				node.Attr[i].Val = ""
			}
		}
	}
}
