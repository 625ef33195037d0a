package kb

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	headingRe   = regexp.MustCompile(`^(#{1,3})\s+(.+)$`)
	slugPunctRe = regexp.MustCompile(`[^\w\s-]`)
	slugSpaceRe = regexp.MustCompile(`\s+`)
	slugDashRe  = regexp.MustCompile(`-{2,}`)
)

// #region slugify
// Slugify builds a markdown-style anchor slug from a heading.
func Slugify(heading string) string {
	s := strings.ToLower(strings.TrimSpace(heading))
	s = slugPunctRe.ReplaceAllString(s, "")
	s = slugSpaceRe.ReplaceAllString(s, "-")
	s = slugDashRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// #endregion slugify

// #region parse
// ParseMarkdown splits a document into passages at level 1-3 headings.
// Text before the first heading and sections with an empty body are dropped.
func ParseMarkdown(docPath string, tier Tier, content string) []Passage {
	var (
		out     []Passage
		heading string
		inSec   bool
		body    []string
	)
	flush := func() {
		if !inSec {
			return
		}
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text == "" {
			return
		}
		out = append(out, Passage{
			DocPath: docPath,
			Tier:    tier,
			Heading: heading,
			Content: text,
			Anchor:  "#" + Slugify(heading),
		})
	}

	for _, line := range strings.Split(content, "\n") {
		if m := headingRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			heading = strings.TrimSpace(m[2])
			inSec = true
			body = body[:0]
			continue
		}
		if inSec {
			body = append(body, line)
		}
	}
	flush()
	return out
}

// #endregion parse

// #region load
// Load reads root/<tier>/*.md for each allowed tier. Directories of other
// tiers are never opened, so their passages are never materialized.
func Load(root string, allowed []Tier) ([]Passage, error) {
	var out []Passage
	for _, tier := range allowed {
		dir := filepath.Join(root, string(tier))
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read tier dir %s: %w", dir, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".md") || strings.EqualFold(name, "readme.md") {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(dir, name)
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read doc %s: %w", path, err)
			}
			out = append(out, ParseMarkdown(filepath.ToSlash(path), tier, string(raw))...)
		}
	}
	return out, nil
}

// #endregion load
