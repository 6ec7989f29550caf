// Package archive persists raw API page bodies so a schema change upstream
// can be replayed against old captures instead of re-crawling.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store writes raw page captures. Implementations return a URI locating the
// stored object.
type Store interface {
	Put(ctx context.Context, key string, contentType string, body []byte) (string, error)
}

// Key builds the canonical object key for one captured page.
func Key(crawlID, phase string, offset int, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s-offset%06d.json",
		sanitize(crawlID), phase, at.UTC().Format("20060102T150405Z"), offset)
}

func sanitize(s string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(s)
}

// Nop discards every capture. Used when archival is disabled.
type Nop struct{}

func (Nop) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	return "", nil
}
