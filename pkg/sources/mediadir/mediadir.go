// Package mediadir lists a local media directory as a cheap feed source.
package mediadir

import (
	"context"
	"io/fs"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

var defaultExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4", ".webm", ".mp3", ".m4a"}

type Dir struct {
	// Name scopes item ids.
	Name string
	Root string
	// BaseURL prefixes the relative path to form Item.URL.
	BaseURL string
}

func New(name, root, baseURL string) *Dir {
	return &Dir{Name: name, Root: root, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (d *Dir) Type() string { return feed.KindMediaDir }

// FetchItems lists media files newest first. The "ext" filter is a comma
// separated extension list overriding the default set.
func (d *Dir) FetchItems(ctx context.Context, q feed.Query) ([]feed.Item, error) {
	exts := defaultExts
	if v := q.Filters["ext"]; v != "" {
		exts = nil
		for _, e := range strings.Split(v, ",") {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			exts = append(exts, e)
		}
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[e] = true
	}

	scope := d.Name
	if scope == "" {
		scope = feed.KindMediaDir
	}
	var items []feed.Item
	err := filepath.WalkDir(d.Root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if de.IsDir() {
			if p != d.Root && strings.HasPrefix(de.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if !allowed[ext] {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(d.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		it := feed.Item{
			ID:         feed.StableID(scope, rel),
			SourceType: feed.KindMediaDir,
			Title:      strings.TrimSuffix(path.Base(rel), path.Ext(rel)),
			Timestamp:  info.ModTime(),
			Meta:       map[string]string{"path": rel},
		}
		if mt := mime.TypeByExtension(ext); mt != "" {
			it.Meta["mime"] = mt
		}
		if d.BaseURL != "" {
			it.URL = d.BaseURL + "/" + (&url.URL{Path: rel}).EscapedPath()
		}
		items = append(items, it)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp.After(items[j].Timestamp) })
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}
