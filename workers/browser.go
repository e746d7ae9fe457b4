package workers

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/playwright-community/playwright-go"
)

const (
	browserNavTimeoutMs = 15000
	browserUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// PageFetcher loads a URL and returns the final status code and page HTML.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (int, string, error)
}

// BrowserFetcher renders listing pages in headless Chromium for sources that
// only show the "removed" banner after client-side rendering. The browser is
// started on first use and shared by all verify tasks.
type BrowserFetcher struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	browser     playwright.Browser
	context     playwright.BrowserContext
	initialized bool
}

func NewBrowserFetcher() *BrowserFetcher {
	return &BrowserFetcher{}
}

func (b *BrowserFetcher) ensureBrowser() error {
	if b.initialized {
		return nil
	}

	var err error
	b.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	b.browser, err = b.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		b.pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b.context, err = b.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(browserUserAgent),
	})
	if err != nil {
		b.browser.Close()
		b.pw.Stop()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	b.initialized = true
	log.Println("Verify: headless browser started")
	return nil
}

// FetchPage serializes page loads; verification is throttled upstream anyway.
func (b *BrowserFetcher) FetchPage(ctx context.Context, url string) (int, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	if err := b.ensureBrowser(); err != nil {
		return 0, "", err
	}

	page, err := b.context.NewPage()
	if err != nil {
		return 0, "", fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(browserNavTimeoutMs),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return 0, "", fmt.Errorf("navigate: %w", err)
	}
	if resp == nil {
		return 0, "", fmt.Errorf("navigate: no response for %s", url)
	}

	content, err := page.Content()
	if err != nil {
		return resp.Status(), "", fmt.Errorf("page content: %w", err)
	}
	return resp.Status(), content, nil
}

func (b *BrowserFetcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.context != nil {
		b.context.Close()
	}
	if b.browser != nil {
		b.browser.Close()
	}
	if b.pw != nil {
		b.pw.Stop()
	}
	b.initialized = false
}
