package etl

import (
	"context"
	"strconv"

	"golang.org/x/sync/errgroup"

	"projectfinder/internal/harvest"
)

type fetched struct {
	cursor string
	page   *harvest.Page
}

// fetcher serves pages in cursor order. Once the source has reported a page
// count and numbered cursors, it prefetches up to window pages concurrently.
type fetcher struct {
	source harvest.Source
	w      harvest.Window
	window int
	total  int
	ahead  []fetched
}

func newFetcher(source harvest.Source, w harvest.Window, window int) *fetcher {
	if window <= 0 {
		window = 1
	}
	return &fetcher{source: source, w: w, window: window}
}

func (f *fetcher) next(ctx context.Context, cursor string) (*harvest.Page, error) {
	if len(f.ahead) > 0 && f.ahead[0].cursor != cursor {
		f.ahead = nil
	}
	if len(f.ahead) == 0 {
		pages, err := f.fetch(ctx, f.cursors(cursor))
		if len(pages) == 0 {
			return nil, err
		}
		f.ahead = pages
	}
	page := f.ahead[0].page
	f.ahead = f.ahead[1:]
	if page.NextPage == "" && page.TotalPages > 0 {
		f.total = page.TotalPages
	} else {
		f.total = 0
	}
	return page, nil
}

// cursors lists cursor and, when the page count is known, the numbered pages
// that follow it within the window.
func (f *fetcher) cursors(cursor string) []string {
	out := []string{cursor}
	n, err := strconv.Atoi(cursor)
	if err != nil || f.total == 0 {
		return out
	}
	for next := n + 1; next <= f.total && len(out) < f.window; next++ {
		out = append(out, strconv.Itoa(next))
	}
	return out
}

// fetch retrieves cursors concurrently and returns the longest prefix that
// succeeded. The error is only meaningful when the prefix is empty.
func (f *fetcher) fetch(ctx context.Context, cursors []string) ([]fetched, error) {
	pages := make([]*harvest.Page, len(cursors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.window)
	for i, c := range cursors {
		g.Go(func() error {
			page, err := f.source.FetchPage(gctx, f.w, c)
			if err != nil {
				return err
			}
			pages[i] = page
			return nil
		})
	}
	err := g.Wait()

	out := make([]fetched, 0, len(cursors))
	for i, page := range pages {
		if page == nil {
			break
		}
		out = append(out, fetched{cursor: cursors[i], page: page})
	}
	return out, err
}
