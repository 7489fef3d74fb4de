// Package report builds the HTML page that collects a run's images and videos.
package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
)

const indexFile = "index.html"

type entryKind int

const (
	kindHeader entryKind = iota
	kindImages
	kindVideos
)

// Cell is one image or video in a row.
type Cell struct {
	Src   string
	Text  string
	Link  string
	Width int
}

type entry struct {
	Kind  entryKind
	Text  string
	Cells []Cell
}

// Page is an append-only HTML document rooted at a web directory.
type Page struct {
	webDir  string
	title   string
	entries []entry
}

// New creates the web directory with its images/ and videos/ subdirectories.
func New(webDir, title string) (*Page, error) {
	p := &Page{webDir: webDir, title: title}
	for _, dir := range []string{webDir, p.ImageDir(), p.VideoDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create report directory '%s': %w", dir, err)
		}
	}
	return p, nil
}

func (p *Page) WebDir() string   { return p.webDir }
func (p *Page) Title() string    { return p.title }
func (p *Page) ImageDir() string { return filepath.Join(p.webDir, "images") }
func (p *Page) VideoDir() string { return filepath.Join(p.webDir, "videos") }

// AddHeader appends a section heading.
func (p *Page) AddHeader(text string) {
	p.entries = append(p.entries, entry{Kind: kindHeader, Text: text})
}

// AddImages appends a row of images. ims and links are relative to the web
// directory; txts are captions.
func (p *Page) AddImages(ims, txts, links []string, width int) error {
	cells, err := row(ims, txts, links, width)
	if err != nil {
		return err
	}
	p.entries = append(p.entries, entry{Kind: kindImages, Cells: cells})
	return nil
}

// AddVideos appends a row of videos.
func (p *Page) AddVideos(vids, txts, links []string, width int) error {
	cells, err := row(vids, txts, links, width)
	if err != nil {
		return err
	}
	p.entries = append(p.entries, entry{Kind: kindVideos, Cells: cells})
	return nil
}

func row(srcs, txts, links []string, width int) ([]Cell, error) {
	if len(txts) != len(srcs) || len(links) != len(srcs) {
		return nil, fmt.Errorf("row has %d sources, %d captions and %d links", len(srcs), len(txts), len(links))
	}
	cells := make([]Cell, len(srcs))
	for i := range srcs {
		cells[i] = Cell{Src: srcs[i], Text: txts[i], Link: links[i], Width: width}
	}
	return cells, nil
}

// Len is the number of entries appended so far.
func (p *Page) Len() int {
	return len(p.entries)
}

// Save writes index.html into the web directory.
func (p *Page) Save() error {
	path := filepath.Join(p.webDir, indexFile)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	data := struct {
		Title   string
		Entries []entry
	}{p.title, p.entries}

	if err := pageTemplate.Execute(file, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	return file.Close()
}

var pageTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"isHeader": func(k entryKind) bool { return k == kindHeader },
	"isImages": func(k entryKind) bool { return k == kindImages },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{- range .Entries}}
{{- if isHeader .Kind}}
<h3>{{.Text}}</h3>
{{- else}}
<table border="1" style="table-layout: fixed;">
<tr>
{{- $images := isImages .Kind}}
{{- range .Cells}}
<td halign="center" style="word-wrap: break-word;" valign="top">
<p>
<a href="{{.Link}}">
{{- if $images}}<img style="width:{{.Width}}px" src="{{.Src}}">{{else}}<video style="width:{{.Width}}px" controls loop src="{{.Src}}"></video>{{end -}}
</a><br>
{{.Text}}
</p>
</td>
{{- end}}
</tr>
</table>
{{- end}}
{{- end}}
</body>
</html>
`))
