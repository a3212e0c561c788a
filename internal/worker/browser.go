package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// Browser drives one Chrome tab for the lifetime of a single job, grounded
// on original_source/agent/browser.py's create_session/navigate pairing but
// built on chromedp's CDP session instead of OS-level window automation:
// chromedp gives screenshot/click/type/scroll/navigate over the same
// protocol a remote debugger would use, which is the portable equivalent of
// the original's screen-coordinate automation.
type Browser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBrowser launches a fresh Chrome session, headless when headless is true.
func NewBrowser(parent context.Context, headless bool) (*Browser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", headless))
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	cancel := func() {
		tabCancel()
		allocCancel()
	}

	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("browser: start chrome: %w", err)
	}

	return &Browser{ctx: tabCtx, cancel: cancel}, nil
}

func (b *Browser) Close() {
	b.cancel()
}

func (b *Browser) Navigate(url string) error {
	return withGUILockErr(func() error {
		return chromedp.Run(b.ctx, chromedp.Navigate(url))
	})
}

// Screenshot captures the current viewport as PNG bytes. Deliberately does
// NOT take the GUI lock: reading the screen doesn't contend for the input
// device.
func (b *Browser) Screenshot() ([]byte, error) {
	var buf []byte
	if err := chromedp.Run(b.ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return buf, nil
}

func (b *Browser) Click(x, y float64) error {
	return withGUILockErr(func() error {
		return chromedp.Run(b.ctx, chromedp.MouseClickXY(x, y))
	})
}

// ClickSelector clicks the first element matching a CSS selector.
func (b *Browser) ClickSelector(selector string) error {
	return withGUILockErr(func() error {
		return chromedp.Run(b.ctx, chromedp.Click(selector, chromedp.ByQuery))
	})
}

// ClickText clicks the first element CDP's DOM search turns up for a free
// text description, used when the vision model names a target by what it
// says rather than a selector (e.g. "the Continue button").
func (b *Browser) ClickText(description string) error {
	return withGUILockErr(func() error {
		return chromedp.Run(b.ctx, chromedp.Click(description, chromedp.BySearch))
	})
}

func (b *Browser) TypeText(selector, text string) error {
	return withGUILockErr(func() error {
		return chromedp.Run(b.ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
	})
}

func (b *Browser) PressKey(key string) error {
	return withGUILockErr(func() error {
		return chromedp.Run(b.ctx, chromedp.KeyEvent(key))
	})
}

func (b *Browser) ScrollBy(dy int) error {
	return withGUILockErr(func() error {
		script := fmt.Sprintf("window.scrollBy(0, %d)", dy)
		return chromedp.Run(b.ctx, chromedp.Evaluate(script, nil))
	})
}

func (b *Browser) Wait(d time.Duration) {
	time.Sleep(d)
}

// withGUILockErr is withGUILock's error-returning counterpart, since every
// chromedp action here can fail.
func withGUILockErr(fn func() error) error {
	guiMutex.Lock()
	defer guiMutex.Unlock()
	return fn()
}
