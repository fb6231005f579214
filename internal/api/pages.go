package api

import (
	"io"
	"io/fs"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// clientPage describes one browser client in the document root.
type clientPage struct {
	Path        string `json:"path"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
}

var pageMetaRe = regexp.MustCompile(`<meta\s+name="page-(title|description|order)"\s+content="([^"]*)"`)

// ClientPagesHandler lists the top-level HTML pages of docs that declare a
// page-title meta tag, sorted by page-order then path. index.html uses it to
// link the available clients. The advisory pages are never listed.
func ClientPagesHandler(docs fs.FS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := fs.ReadDir(docs, ".")
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read document root")
			return
		}

		pages := []clientPage{}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".html") || isAdvisoryPath("/"+name) {
				continue
			}
			p, ok := readPageMeta(docs, name)
			if ok {
				pages = append(pages, p)
			}
		}

		sort.Slice(pages, func(i, j int) bool {
			if pages[i].Order != pages[j].Order {
				return pages[i].Order < pages[j].Order
			}
			return pages[i].Path < pages[j].Path
		})
		WriteJSON(w, http.StatusOK, pages)
	}
}

func readPageMeta(docs fs.FS, name string) (clientPage, bool) {
	f, err := docs.Open(name)
	if err != nil {
		return clientPage{}, false
	}
	defer f.Close()

	// Meta tags live in <head>; 4KB is plenty.
	head, _ := io.ReadAll(io.LimitReader(f, 4096))

	p := clientPage{Path: "/" + name}
	for _, m := range pageMetaRe.FindAllStringSubmatch(string(head), -1) {
		switch m[1] {
		case "title":
			p.Title = m[2]
		case "description":
			p.Description = m[2]
		case "order":
			p.Order, _ = strconv.Atoi(m[2])
		}
	}
	return p, p.Title != ""
}
