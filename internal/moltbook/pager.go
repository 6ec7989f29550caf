package moltbook

import (
	"context"
	"net/url"
	"strconv"
)

// Page is one consumed listing page.
type Page struct {
	// Items are the result records on this page.
	Items []map[string]any
	// Offset is the offset this page was fetched at.
	Offset int
	// NextOffset is where the following fetch will start.
	NextOffset int
	// HasMore mirrors the upstream's continuation flag.
	HasMore bool
	// Envelope is the full parsed response, for archival.
	Envelope *Envelope
}

// PageOptions controls a pagination sequence.
type PageOptions struct {
	// StartOffset restarts the sequence from a checkpointed offset.
	StartOffset int
	// PageSize is the per-page limit sent upstream.
	PageSize int
	// MaxPages caps the number of pages consumed; 0 means unbounded.
	MaxPages int
	// ListKeys are the envelope keys the result array may live under.
	ListKeys []string
}

// PageIter walks a paginated list endpoint. It is finite and restartable:
// construct it with the checkpointed offset to resume mid-sequence.
//
//	it := client.Pages("/posts", params, opts)
//	for it.Next(ctx) {
//	    use(it.Page())
//	}
//	if err := it.Err(); err != nil { ... }
type PageIter struct {
	client   *Client
	endpoint string
	params   url.Values
	opts     PageOptions

	offset int
	pages  int
	page   Page
	done   bool
	err    error
}

// Pages builds a PageIter for the endpoint. The params are copied so the
// iterator owns its query state.
func (c *Client) Pages(endpoint string, params url.Values, opts PageOptions) *PageIter {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if len(opts.ListKeys) == 0 {
		opts.ListKeys = []string{"data"}
	}
	cloned := url.Values{}
	for k, vs := range params {
		cloned[k] = append([]string(nil), vs...)
	}
	return &PageIter{
		client:   c,
		endpoint: endpoint,
		params:   cloned,
		opts:     opts,
		offset:   opts.StartOffset,
	}
}

// Next fetches the next page. It returns false when the sequence is finished
// or an error occurred; check Err afterwards.
func (it *PageIter) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if it.opts.MaxPages > 0 && it.pages >= it.opts.MaxPages {
		it.done = true
		return false
	}

	it.params.Set("limit", strconv.Itoa(it.opts.PageSize))
	it.params.Set("offset", strconv.Itoa(it.offset))

	env, err := it.client.Fetch(ctx, it.endpoint, it.params)
	if err != nil {
		it.err = err
		return false
	}

	items := env.List(it.opts.ListKeys...)
	if len(items) == 0 {
		it.done = true
		return false
	}

	next := it.offset + len(items)
	if env.NextOffset != nil && *env.NextOffset > it.offset {
		next = *env.NextOffset
	}
	it.page = Page{
		Items:      items,
		Offset:     it.offset,
		NextOffset: next,
		HasMore:    env.HasMore,
		Envelope:   env,
	}
	it.offset = next
	it.pages++
	if !env.HasMore {
		it.done = true
	}
	return true
}

// Page returns the page consumed by the last successful Next call.
func (it *PageIter) Page() Page { return it.page }

// Err returns the error that terminated the sequence, if any.
func (it *PageIter) Err() error { return it.err }
