package treediff

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiffer() *Differ {
	opts := DefaultOptions()
	opts.BaseURL = "https://example.com/"
	return NewDiffer(opts, zerolog.Nop())
}

func runDiff(t *testing.T, oldHTML, newHTML string, junkXPaths []string) *Result {
	t.Helper()
	res, err := newTestDiffer().Diff(context.Background(), []byte(oldHTML), []byte(newHTML), junkXPaths)
	require.NoError(t, err)
	return res
}

func TestDiffIdenticalDocuments(t *testing.T) {
	html := `<html><body><div><p>stable</p><a href="/x">read</a></div></body></html>`

	res := runDiff(t, html, html, nil)

	assert.False(t, res.HasVisibleChange())
	assert.Empty(t, res.Ops)
}

func TestDiffTextChange(t *testing.T) {
	oldHTML := `<html><body><p>price is 10 dollars</p></body></html>`
	newHTML := `<html><body><p>price is 20 dollars</p></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	assert.True(t, res.HasVisibleChange())
	assert.Equal(t, []string{"20"}, res.Added.Text)
	assert.Equal(t, []string{"10"}, res.Removed.Text)

	// The stylesheet names every class, so assert on rendered markup.
	assert.Contains(t, res.LeftHTML, `<span class="cfy-del">10</span>`)
	assert.NotContains(t, res.LeftHTML, `class="cfy-ins"`)
	assert.Contains(t, res.RightHTML, `<span class="cfy-ins">20</span>`)
	assert.NotContains(t, res.RightHTML, `class="cfy-del"`)
}

func TestDiffLinkRetarget(t *testing.T) {
	oldHTML := `<html><body><p>intro</p><a href="/x">read</a></body></html>`
	newHTML := `<html><body><p>intro</p><a href="/y">read</a></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	// A link keeping its text is the same link pointing somewhere new: the
	// old target is not reported as removed content.
	assert.Equal(t, []string{"/y"}, res.Added.Links)
	assert.Empty(t, res.Removed.Links)
	assert.Empty(t, res.Added.Text)
	assert.Empty(t, res.Removed.Text)
	assert.Contains(t, res.RightHTML, `class="cfy-upd"`)
}

func TestDiffLinkRewrite(t *testing.T) {
	oldHTML := `<html><body><p>intro</p><a href="/x">read</a></body></html>`
	newHTML := `<html><body><p>intro</p><a href="/y">details</a></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	// Target and text both changed, so the old link is gone and a new one
	// took its place.
	assert.Equal(t, []string{"/y"}, res.Added.Links)
	assert.Equal(t, []string{"/x"}, res.Removed.Links)
}

func TestDiffUniqueAttrMatchesRewrittenContent(t *testing.T) {
	oldHTML := `<html><body><div xml:id="promo">winter sale</div></body></html>`
	newHTML := `<html><body><div xml:id="promo">completely new words</div></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	// The shared xml:id pins the pair even though the text alone would not
	// clear the threshold, so the change surfaces as a text update.
	assert.NotEmpty(t, res.Added.Text)
	assert.NotEmpty(t, res.Removed.Text)
	assert.Contains(t, res.RightHTML, `class="cfy-ins"`)
	assert.Contains(t, res.LeftHTML, `class="cfy-del"`)
}

func TestDiffAnchorRuleBeatsUniqueAttr(t *testing.T) {
	opts := DefaultOptions()
	opts.UniqueAttrs = []string{"id"}

	oldHTML := `<html><body><a id="cta" href="/x">read</a></body></html>`
	newHTML := `<html><body><a id="cta" href="/y">details</a></body></html>`

	res, err := NewDiffer(opts, zerolog.Nop()).Diff(context.Background(), []byte(oldHTML), []byte(newHTML), nil)
	require.NoError(t, err)

	// A link that changed both target and text is a different link no
	// matter what identifier it carries.
	assert.Equal(t, []string{"/y"}, res.Added.Links)
	assert.Equal(t, []string{"/x"}, res.Removed.Links)
}

func TestDiffRenamedTag(t *testing.T) {
	oldHTML := `<html><body><p>story</p><b>limited offer today</b></body></html>`
	newHTML := `<html><body><p>story</p><strong>limited offer today</strong></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	// Same content under a different tag matches across tags and records a
	// rename instead of a delete/insert pair.
	assert.True(t, res.Added.IsEmpty())
	assert.True(t, res.Removed.IsEmpty())

	var renames []Op
	for _, op := range res.Ops {
		if op.Kind == OpRenameNode {
			renames = append(renames, op)
		}
	}
	require.Len(t, renames, 1)
	assert.Equal(t, "strong", renames[0].Tag)
	assert.Equal(t, "b", renames[0].Value)
}

func TestDiffInsertedBlock(t *testing.T) {
	oldHTML := `<html><body><div><p>existing story</p></div></body></html>`
	newHTML := `<html><body><div><p>existing story</p></div>` +
		`<div><p>breaking news</p><a href="/news">details</a><img src="/news.png"></div></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	assert.True(t, res.HasVisibleChange())
	assert.Contains(t, res.Added.Text[0], "breaking news")
	assert.Equal(t, []string{"/news.png"}, res.Added.Images)
	assert.Equal(t, []string{"/news"}, res.Added.Links)
	assert.True(t, res.Removed.IsEmpty())

	assert.Contains(t, res.RightHTML, `class="cfy-ins"`)
	assert.NotContains(t, res.LeftHTML, `class="cfy-del"`)
}

func TestDiffJunkInsertionIsInvisible(t *testing.T) {
	oldHTML := `<html><body><p>steady content here</p></body></html>`
	newHTML := `<html><body><p>steady content here</p>` +
		`<img src="https://bat.bing.com/action/0?ti=123" width="1" height="1"></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	assert.False(t, res.HasVisibleChange())
}

func TestDiffHiddenElementIsInvisible(t *testing.T) {
	oldHTML := `<html><body><p>steady content here</p></body></html>`
	newHTML := `<html><body><p>steady content here</p>` +
		`<div style="display:none">session token 12345</div></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	assert.False(t, res.HasVisibleChange())
}

func TestDiffJunkXPathsApplied(t *testing.T) {
	oldHTML := `<html><body><p>story</p><div id="clock">10:00</div></body></html>`
	newHTML := `<html><body><p>story</p><div id="clock">10:05</div></body></html>`

	res := runDiff(t, oldHTML, newHTML, []string{`//div[@id="clock"]`})

	assert.False(t, res.HasVisibleChange())
}

func TestDiffMovedContentCancelsOut(t *testing.T) {
	oldHTML := `<html><body><div><p>alpha beta gamma</p></div><div></div></body></html>`
	newHTML := `<html><body><div></div><div><p>alpha beta gamma</p></div></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	assert.True(t, res.Added.IsEmpty())
	assert.True(t, res.Removed.IsEmpty())
}

func TestDiffBaseURLPatched(t *testing.T) {
	oldHTML := `<html><head></head><body><p>body text</p></body></html>`

	res := runDiff(t, oldHTML, oldHTML, nil)

	assert.Contains(t, res.LeftHTML, `<base href="https://example.com/"`)
	assert.Contains(t, res.RightHTML, `<base href="https://example.com/"`)
}

func TestDiffCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	html := `<html><body><div><p>one</p><p>two</p><p>three</p></div></body></html>`
	changed := `<html><body><div><p>one</p><p>two changed</p><p>three</p></div></body></html>`

	_, err := newTestDiffer().Diff(ctx, []byte(html), []byte(changed), nil)

	assert.ErrorIs(t, err, ErrDiffTimeout)
}

func TestDiffImageSwap(t *testing.T) {
	oldHTML := `<html><body><div><img src="/a.png?v=1"></div></body></html>`
	newHTML := `<html><body><div><img src="/b.png?v=1"></div></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	assert.Equal(t, []string{"/b.png?v=1"}, res.Added.Images)
	assert.Equal(t, []string{"/a.png?v=1"}, res.Removed.Images)
}

func TestDiffCacheBusterDoesNotSwapImage(t *testing.T) {
	oldHTML := `<html><body><div><img src="/a.png?v=1"></div></body></html>`
	newHTML := `<html><body><div><img src="/a.png?v=2"></div></body></html>`

	res := runDiff(t, oldHTML, newHTML, nil)

	assert.Empty(t, res.Added.Images)
	assert.Empty(t, res.Removed.Images)
}

func TestSubtractCommon(t *testing.T) {
	a, b := subtractCommon(
		[]string{"x", "y", "x"},
		[]string{"x", "z"},
	)
	assert.Equal(t, []string{"y", "x"}, a)
	assert.Equal(t, []string{"z"}, b)
}
