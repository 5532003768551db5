package cli

import (
	"fmt"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// progressReporter renders one aggregate bar over the compilation units
// of every scheduled source. Scraper jobs report from their own
// goroutines, so updates are serialized here.
type progressReporter struct {
	quiet bool

	mu    sync.Mutex
	total int
	bar   *progressbar.ProgressBar
}

func newProgressReporter(quiet bool) *progressReporter {
	return &progressReporter{quiet: quiet}
}

// addSource grows the bar by the source's unit count and returns the
// per-unit completion hook for that scraper.
func (p *progressReporter) addSource(units int) func() {
	if p.quiet {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total += units
	if p.bar == nil {
		p.bar = progressbar.NewOptions(p.total,
			progressbar.OptionSetDescription("Scraping units"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("units/s"),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionOnCompletion(func() {
				fmt.Println()
			}),
		)
	} else {
		p.bar.ChangeMax(p.total)
	}

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.bar.Add(1)
	}
}

// finish closes the bar so the summary starts on a fresh line.
func (p *progressReporter) finish() {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
	}
}
