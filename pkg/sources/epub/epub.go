// Package epub serves a directory of EPUB books as an expensive source:
// listing is a directory walk, materializing opens the archive and extracts
// the first substantive chapter.
package epub

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

// MinChapterRunes skips front matter (cover, copyright, toc pages).
const MinChapterRunes = 200

type Library struct {
	// Name scopes item ids, so two libraries holding the same relative path
	// yield distinct items.
	Name string
	Root string
}

func New(name, root string) *Library { return &Library{Name: name, Root: root} }

func (l *Library) Type() string { return feed.KindEPUB }

// ListCandidates walks Root for .epub files, newest first. The "dir" filter
// restricts the walk to a subdirectory.
func (l *Library) ListCandidates(ctx context.Context, q feed.Query) ([]feed.ItemRef, error) {
	root := l.Root
	if sub := q.Filters["dir"]; sub != "" {
		root = filepath.Join(root, filepath.Clean("/"+sub))
	}
	var refs []feed.ItemRef
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".epub") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(l.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		refs = append(refs, feed.ItemRef{
			ID:        feed.StableID(l.scope(), rel),
			Key:       rel,
			Title:     titleFromName(rel),
			Timestamp: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Timestamp.After(refs[j].Timestamp) })
	if q.Limit > 0 && len(refs) > q.Limit {
		refs = refs[:q.Limit]
	}
	return refs, nil
}

func (l *Library) scope() string {
	if l.Name == "" {
		return feed.KindEPUB
	}
	return l.Name
}

func titleFromName(rel string) string {
	base := path.Base(rel)
	base = strings.TrimSuffix(base, path.Ext(base))
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(base))
}

// Materialize extracts the book title and its first chapter long enough to
// read. The archive is read fully in-process; ctx is checked between steps.
func (l *Library) Materialize(ctx context.Context, ref feed.ItemRef) (feed.Materialized, error) {
	var out feed.Materialized
	p := filepath.Join(l.Root, filepath.FromSlash(path.Clean("/"+ref.Key)))
	zr, err := zip.OpenReader(p)
	if err != nil {
		return out, err
	}
	defer zr.Close()

	opfPath, err := rootFile(&zr.Reader)
	if err != nil {
		return out, err
	}
	pkg, err := readPackage(&zr.Reader, opfPath)
	if err != nil {
		return out, err
	}
	out.Title = strings.TrimSpace(pkg.Title)
	if out.Title == "" {
		out.Title = ref.Title
	}

	base := path.Dir(opfPath)
	for _, href := range pkg.spineHrefs() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		chapter, body, err := readChapter(&zr.Reader, path.Join(base, href))
		if err != nil {
			continue
		}
		if len([]rune(body)) >= MinChapterRunes {
			out.Chapter = chapter
			out.Body = body
			return out, nil
		}
	}
	return out, fmt.Errorf("%s: no readable chapter", ref.Key)
}

type container struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opf struct {
	Title    string `xml:"metadata>title"`
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

func (o opf) spineHrefs() []string {
	byID := make(map[string]string, len(o.Manifest))
	for _, it := range o.Manifest {
		byID[it.ID] = it.Href
	}
	out := make([]string, 0, len(o.Spine))
	for _, s := range o.Spine {
		if h, ok := byID[s.IDRef]; ok {
			out = append(out, h)
		}
	}
	return out
}

func open(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
}

func rootFile(zr *zip.Reader) (string, error) {
	rc, err := open(zr, "META-INF/container.xml")
	if err != nil {
		return "", err
	}
	defer rc.Close()
	var c container
	if err := xml.NewDecoder(rc).Decode(&c); err != nil {
		return "", fmt.Errorf("container.xml: %w", err)
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		return "", fmt.Errorf("container.xml: no rootfile")
	}
	return c.Rootfiles[0].FullPath, nil
}

func readPackage(zr *zip.Reader, name string) (opf, error) {
	var o opf
	rc, err := open(zr, name)
	if err != nil {
		return o, err
	}
	defer rc.Close()
	if err := xml.NewDecoder(rc).Decode(&o); err != nil {
		return o, fmt.Errorf("%s: %w", name, err)
	}
	return o, nil
}

func readChapter(zr *zip.Reader, name string) (title, body string, err error) {
	rc, err := open(zr, name)
	if err != nil {
		return "", "", err
	}
	defer rc.Close()
	doc, err := goquery.NewDocumentFromReader(rc)
	if err != nil {
		return "", "", err
	}
	title = strings.TrimSpace(doc.Find("h1, h2, h3").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	var paras []string
	doc.Find("body p").Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			paras = append(paras, t)
		}
	})
	return title, strings.Join(paras, "\n\n"), nil
}
