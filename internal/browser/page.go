package browser

import (
	"fmt"
	"strings"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"github.com/ysmood/gson"
)

// Chrome's navigation error for a host that does not resolve. Sources
// hitting it are marked broken instead of retried.
const errNameNotResolved = "ERR_NAME_NOT_RESOLVED"

const (
	defaultElementTimeout = 3 * time.Second
	maxPopupCloseRounds   = 3
	maxAutoScrollIters    = 5
)

// Clickable controls whose visible text marks them as consent or dismiss
// buttons. Tried in order when a source has no cookie xpaths configured.
var popupButtonTexts = []string{
	"accept all", "accept", "agree", "allow all", "allow",
	"got it", "i understand", "ok", "close", "dismiss", "no thanks",
}

const antiFlickerJS = `() => {
	const style = document.createElement('style');
	style.innerHTML = '*, *::before, *::after { animation: none !important; transition: none !important; caret-color: transparent !important; }';
	document.head.appendChild(style);
	window.scrollTo(0, 0);
	return document.body.offsetHeight;
}`

// Page wraps one rod page with the capture operations the fetcher and the
// diff renderer share.
type Page struct {
	page   *rod.Page
	config config.BrowserConfig
	logger zerolog.Logger
}

// Close shuts the underlying page down. Pages are closed after every source
// so one heavy site cannot leak into the next capture.
func (p *Page) Close() {
	if err := p.page.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to close page")
	}
}

// SetViewport applies an explicit viewport size.
func (p *Page) SetViewport(width, height int) error {
	err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		return common.WrapError(err, "failed to set viewport")
	}
	return nil
}

func (p *Page) applyIdentity() error {
	if err := p.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: p.config.UserAgent,
	}); err != nil {
		return common.WrapError(err, "failed to set user agent")
	}

	_, err := p.page.SetExtraHeaders([]string{
		"Accept-Language", p.config.AcceptLanguage,
		"DNT", "1",
		"Cache-Control", "no-cache",
	})
	if err != nil {
		return common.WrapError(err, "failed to set extra headers")
	}
	return nil
}

// SetHeader adds one extra request header on top of the identity set.
// The renderer uses it to carry the signed auth token.
func (p *Page) SetHeader(name, value string) error {
	_, err := p.page.SetExtraHeaders([]string{
		"Accept-Language", p.config.AcceptLanguage,
		"DNT", "1",
		"Cache-Control", "no-cache",
		name, value,
	})
	if err != nil {
		return common.WrapError(err, "failed to set header "+name)
	}
	return nil
}

// Goto navigates to url and waits for DOMContentLoaded, then reports the
// main document's HTTP status. A non-2xx/3xx status is a typed HTTP error
// so the fetcher can count the failure toward marking the source broken.
func (p *Page) Goto(url string, timeout time.Duration) error {
	page := p.page.Timeout(timeout)

	var status int
	waitResponse := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status = int(e.Response.Status)
			return true
		}
		return false
	})

	waitLoad := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)

	if err := page.Navigate(url); err != nil {
		return common.NewNetworkError(url, "navigation failed", err)
	}
	waitLoad()
	waitResponse()

	if status >= 400 {
		return common.NewHTTPErrorWithURL(status, "document request failed", url)
	}
	return nil
}

// IsDNSError reports whether err carries Chrome's unresolvable-host error.
func IsDNSError(err error) bool {
	return err != nil && strings.Contains(err.Error(), errNameNotResolved)
}

// AcceptCookies clicks each configured consent xpath in order. Elements
// that never appear are skipped after a short timeout; click failures are
// logged, never fatal, because consent layers differ per visit.
func (p *Page) AcceptCookies(xpaths []string) {
	for _, xp := range xpaths {
		if xp == "" {
			continue
		}
		el, err := p.page.Timeout(defaultElementTimeout).ElementX(xp)
		if err != nil {
			p.logger.Debug().Str("xpath", xp).Msg("Cookie element not found")
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			p.logger.Debug().Err(err).Str("xpath", xp).Msg("Cookie element click failed")
			continue
		}
		p.logger.Debug().Str("xpath", xp).Msg("Clicked cookie element")
		time.Sleep(500 * time.Millisecond)
	}
}

// ClosePopups dismisses up to a few stacked overlays by clicking the first
// visible control whose text looks like a consent or close button. Used
// when a source has no cookie xpaths configured.
func (p *Page) ClosePopups() {
	for round := 0; round < maxPopupCloseRounds; round++ {
		if !p.clickFirstPopupButton() {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (p *Page) clickFirstPopupButton() bool {
	els, err := p.page.Timeout(defaultElementTimeout).
		ElementsX(`//button | //a[@role='button'] | //div[@role='button'] | //input[@type='button']`)
	if err != nil {
		return false
	}

	for _, el := range els {
		visible, err := el.Visible()
		if err != nil || !visible {
			continue
		}
		text, err := el.Text()
		if err != nil {
			continue
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" || len(text) > 40 {
			continue
		}
		for _, candidate := range popupButtonTexts {
			if text == candidate {
				if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
					p.logger.Debug().Str("text", candidate).Msg("Closed popup")
					return true
				}
			}
		}
	}
	return false
}

// AutoScroll pages to the bottom until the document height stabilizes or
// the iteration cap is reached, then returns to the top. This is what
// forces lazy-loaded sections to materialize before capture.
func (p *Page) AutoScroll() {
	lastHeight := -1
	for i := 0; i < maxAutoScrollIters; i++ {
		height, err := p.pageHeight()
		if err != nil {
			p.logger.Debug().Err(err).Msg("AutoScroll height read failed")
			break
		}
		if height == lastHeight {
			break
		}
		lastHeight = height

		if _, err := p.page.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			p.logger.Debug().Err(err).Msg("AutoScroll scroll failed")
			break
		}
		time.Sleep(700 * time.Millisecond)
	}

	if _, err := p.page.Eval(`() => window.scrollTo(0, 0)`); err != nil {
		p.logger.Debug().Err(err).Msg("AutoScroll return-to-top failed")
	}
}

func (p *Page) pageHeight() (int, error) {
	res, err := p.page.Eval(`() => document.body.scrollHeight`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

// CaptureHTML returns the current serialized DOM.
func (p *Page) CaptureHTML() (string, error) {
	html, err := p.page.HTML()
	if err != nil {
		return "", common.WrapError(err, "failed to capture page HTML")
	}
	return html, nil
}

// Screenshot takes a full-page JPEG. Before capturing it injects the
// anti-flicker style, forces a layout pass, and grows the viewport to the
// real document height so nothing below the fold is clipped.
func (p *Page) Screenshot() ([]byte, error) {
	res, err := p.page.Eval(antiFlickerJS)
	if err != nil {
		return nil, common.WrapError(err, "failed to prepare page for screenshot")
	}
	time.Sleep(1 * time.Second)

	if height := res.Value.Int(); height > p.config.WindowHeight {
		// Slightly under the real height so Chrome does not add a blank strip.
		if err := p.SetViewport(p.config.WindowWidth, height-10); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to grow viewport before screenshot")
		}
	}

	data, err := p.page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: gson.Int(100),
	})
	if err != nil {
		return nil, common.WrapError(err, "failed to take screenshot")
	}
	return data, nil
}

// Sleep pauses for ms milliseconds. Sources with slow late-loading widgets
// configure this between scroll and capture.
func (p *Page) Sleep(ms int) {
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

func windowSizeArg(width, height int) string {
	return fmt.Sprintf("%d,%d", width, height)
}
