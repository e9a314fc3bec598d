// Package automation drives browser sessions against the search target.
package automation

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/localgrid/scraper-cluster/internal/cluster"
)

// Config controls the behavior of the chromedp browser driver.
type Config struct {
	MaxParallel       int
	UserAgent         string
	Language          string
	NavigationTimeout time.Duration
	ScrollPause       time.Duration
	MaxScrolls        int
}

// Driver implements cluster.Browser using chromedp and headless Chrome.
// One allocator is shared by all pages; MaxParallel bounds how many are
// open at once.
type Driver struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// page is the concrete handle behind cluster.PageHandle.
type page struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var siteKeyPattern = regexp.MustCompile(`data-sitekey="([^"]+)"`)

// NewChromedp creates a browser driver backed by chromedp.
func NewChromedp(cfg Config) (*Driver, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ScrollPause <= 0 {
		cfg.ScrollPause = 900 * time.Millisecond
	}
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = 12
	}
	if cfg.Language == "" {
		cfg.Language = "pt-BR"
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("lang", cfg.Language),
		chromedp.WindowSize(1920, 1080),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Driver{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, tearing down every open page.
func (d *Driver) Close() {
	d.allocCancel()
}

// OpenSearch navigates a fresh tab to the local-results page for the
// query/location pair and waits for the body to be ready.
func (d *Driver) OpenSearch(ctx context.Context, query, location string) (cluster.PageHandle, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(d.allocator)
	p := &page{ctx: tabCtx, cancel: tabCancel}

	navCtx, cancel := context.WithTimeout(tabCtx, d.cfg.NavigationTimeout)
	defer cancel()

	actions := []chromedp.Action{
		d.networkSetupAction(),
		chromedp.Navigate(searchURL(query, location, d.cfg.Language)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		d.ClosePage(p)
		return nil, fmt.Errorf("open search page: %w", err)
	}
	return p, nil
}

// DetectCaptcha checks for the interstitial block page and, when present,
// scrapes the reCAPTCHA site key out of the DOM.
func (d *Driver) DetectCaptcha(ctx context.Context, handle cluster.PageHandle) (*cluster.Challenge, error) {
	p, err := asPage(handle)
	if err != nil {
		return nil, err
	}

	var currentURL string
	if err := chromedp.Run(p.ctx, chromedp.Location(&currentURL)); err != nil {
		return nil, fmt.Errorf("read page location: %w", err)
	}
	if !blockedURL(currentURL) {
		return nil, nil
	}

	var html string
	if err := chromedp.Run(p.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("read block page: %w", err)
	}
	challenge := &cluster.Challenge{PageURL: currentURL}
	if m := siteKeyPattern.FindStringSubmatch(html); m != nil {
		challenge.SiteKey = m[1]
	}
	return challenge, nil
}

// SubmitToken injects a solved reCAPTCHA token into the response textarea
// and submits the interstitial form.
func (d *Driver) SubmitToken(ctx context.Context, handle cluster.PageHandle, token string) error {
	p, err := asPage(handle)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithTimeout(p.ctx, d.cfg.NavigationTimeout)
	defer cancel()

	actions := []chromedp.Action{
		chromedp.Evaluate(injectTokenJS(token), nil),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(subCtx, actions...); err != nil {
		return fmt.Errorf("submit captcha token: %w", err)
	}

	var currentURL string
	if err := chromedp.Run(subCtx, chromedp.Location(&currentURL)); err != nil {
		return fmt.Errorf("read page location: %w", err)
	}
	if blockedURL(currentURL) {
		return fmt.Errorf("block page persisted after token submission")
	}
	return nil
}

// domRecord mirrors the shape produced by the extraction script.
type domRecord struct {
	Title  string   `json:"title"`
	Rating *float64 `json:"rating"`
}

// ExtractRecords scrolls the results container and harvests result cards
// until maxCount entries are collected or scrolling stops yielding new
// ones. Positions are 1-based within this page.
func (d *Driver) ExtractRecords(ctx context.Context, handle cluster.PageHandle, maxCount int) ([]cluster.Record, error) {
	p, err := asPage(handle)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var records []cluster.Record
	stale := 0
	for scroll := 0; len(records) < maxCount && scroll < d.cfg.MaxScrolls; scroll++ {
		var batch []domRecord
		if err := chromedp.Run(p.ctx, chromedp.Evaluate(extractJS, &batch)); err != nil {
			return nil, fmt.Errorf("extract result cards: %w", err)
		}
		before := len(records)
		for _, entry := range batch {
			title := strings.TrimSpace(entry.Title)
			if title == "" {
				continue
			}
			if _, dup := seen[title]; dup {
				continue
			}
			seen[title] = struct{}{}
			records = append(records, cluster.Record{
				Position: len(records) + 1,
				Title:    title,
				Rating:   entry.Rating,
			})
			if len(records) >= maxCount {
				break
			}
		}
		if len(records) >= maxCount {
			break
		}
		// Two scrolls in a row with no new cards means the list is spent.
		if len(records) == before {
			stale++
			if stale >= 2 {
				break
			}
		} else {
			stale = 0
		}
		if err := chromedp.Run(p.ctx,
			chromedp.Evaluate(scrollJS, nil),
			chromedp.Sleep(d.cfg.ScrollPause),
		); err != nil {
			return nil, fmt.Errorf("scroll results: %w", err)
		}
	}
	return records, nil
}

// ClosePage cancels the tab context and releases the parallelism slot.
func (d *Driver) ClosePage(handle cluster.PageHandle) {
	if p, err := asPage(handle); err == nil {
		p.cancel()
	}
	d.release()
}

func (d *Driver) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if d.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (d *Driver) acquire(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	select {
	case d.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (d *Driver) release() {
	if d.limiter == nil {
		return
	}
	select {
	case <-d.limiter:
	default:
	}
}

func asPage(handle cluster.PageHandle) (*page, error) {
	p, ok := handle.(*page)
	if !ok || p == nil {
		return nil, fmt.Errorf("invalid page handle %T", handle)
	}
	return p, nil
}

// searchURL builds the local-results query URL.
func searchURL(query, location, language string) string {
	q := url.Values{}
	q.Set("hl", language)
	q.Set("gl", "br")
	q.Set("tbm", "lcl")
	q.Set("num", "10")
	q.Set("q", query+" "+location)
	return "https://www.google.com/search?" + q.Encode()
}

// blockedURL reports whether the browser landed on a block interstitial.
func blockedURL(u string) bool {
	return strings.Contains(u, "sorry/index") || strings.Contains(u, "consent.google.com")
}

func injectTokenJS(token string) string {
	escaped := strings.ReplaceAll(token, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return fmt.Sprintf(`(() => {
	let textarea = document.getElementById("g-recaptcha-response");
	if (!textarea) {
		textarea = document.createElement("textarea");
		textarea.id = "g-recaptcha-response";
		textarea.name = "g-recaptcha-response";
		textarea.style.display = "none";
		document.body.appendChild(textarea);
	}
	textarea.value = "%s";
	const form = document.querySelector("form");
	if (form) {
		form.submit();
	}
})()`, escaped)
}

// extractJS harvests the result cards currently in the DOM. Selector
// fallbacks track the markup variants the results page is known to serve.
const extractJS = `(() => {
	let cards = Array.from(document.querySelectorAll(
		'div[class*="rlfl__tls"] div[jscontroller][data-attrid], ' +
		'div[jsname="Cpkphb"] div[jscontroller][data-attrid], ' +
		'div[jsname="UyI44e"] div[jscontroller][data-attrid]'
	));
	if (cards.length === 0) {
		cards = Array.from(document.querySelectorAll('div[role="article"]'));
	}
	return cards.map((card) => {
		const heading = card.querySelector('a[role="heading"], div[role="heading"]');
		let title = "";
		if (heading) {
			title = (heading.textContent || heading.getAttribute("aria-label") || "").trim();
		}
		let rating = null;
		const star = card.querySelector('span[aria-label*="estrelas"], span[aria-label*="stars"]');
		if (star) {
			const m = (star.getAttribute("aria-label") || "").match(/[\d]+[.,]?[\d]*/);
			if (m) {
				rating = parseFloat(m[0].replace(",", "."));
			}
		}
		return { title: title, rating: rating };
	}).filter((entry) => entry.title !== "");
})()`

// scrollJS nudges the results container, falling back to the window.
const scrollJS = `(() => {
	const scroller = document.querySelector(
		'div[jsname="I4bIT"], div[aria-label*="Resultados"], div[class*="rlfl__tls"]'
	);
	if (scroller) {
		scroller.scrollBy(0, 900);
	} else {
		window.scrollBy(0, 900);
	}
})()`
