// Package automation provides page-settling helpers for the browser fetcher:
// waiting out infinite-scroll and other dynamically-loaded content before the
// page is handed back for extraction. It intentionally does not expose
// click/type/login/macro-replay style interaction scripting — that is a
// browser-automation product surface, not a content-fetching concern.
package automation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
)

// BrowserAutomation settles dynamic content on a Rod page before extraction.
type BrowserAutomation struct {
	page   *rod.Page
	logger *slog.Logger
}

// NewBrowserAutomation wraps a Rod page with content-settling helpers.
func NewBrowserAutomation(page *rod.Page, logger *slog.Logger) *BrowserAutomation {
	return &BrowserAutomation{
		page:   page,
		logger: logger.With("component", "browser_automation"),
	}
}

// ScrollToBottom scrolls to the bottom of the page.
func (ba *BrowserAutomation) ScrollToBottom() error {
	_, err := ba.page.Eval(`window.scrollTo(0, document.body.scrollHeight)`)
	return err
}

// ScrollBy scrolls by a specific pixel amount.
func (ba *BrowserAutomation) ScrollBy(x, y int) error {
	_, err := ba.page.Eval(fmt.Sprintf(`window.scrollBy(%d, %d)`, x, y))
	return err
}

// ScrollToElement scrolls an element into view.
func (ba *BrowserAutomation) ScrollToElement(selector string) error {
	el, err := ba.page.Element(selector)
	if err != nil {
		return err
	}
	return el.ScrollIntoView()
}

// InfiniteScroll scrolls to the bottom repeatedly until the document height
// stops growing or maxScrolls is reached, waiting waitBetween after each
// scroll for lazily-loaded content to attach.
func (ba *BrowserAutomation) InfiniteScroll(maxScrolls int, waitBetween time.Duration) (int, error) {
	lastHeight := 0
	scrollCount := 0

	for scrollCount < maxScrolls {
		result, err := ba.page.Eval(`document.body.scrollHeight`)
		if err != nil {
			return scrollCount, err
		}
		currentHeight := result.Value.Int()

		if currentHeight == lastHeight {
			break
		}
		lastHeight = currentHeight

		if err := ba.ScrollToBottom(); err != nil {
			return scrollCount, err
		}
		scrollCount++

		time.Sleep(waitBetween)
	}

	ba.logger.Debug("infinite scroll settled", "scrolls", scrollCount)
	return scrollCount, nil
}

// Screenshot captures a screenshot of the page.
func (ba *BrowserAutomation) Screenshot() ([]byte, error) {
	return ba.page.Screenshot(true, nil)
}

// WaitForNavigation waits for the page to become visually stable.
func (ba *BrowserAutomation) WaitForNavigation() error {
	return ba.page.WaitStable(500 * time.Millisecond)
}

// EvalJS executes JavaScript and returns the result as a string.
func (ba *BrowserAutomation) EvalJS(js string) (string, error) {
	result, err := ba.page.Eval(js)
	if err != nil {
		return "", err
	}
	return result.Value.String(), nil
}
