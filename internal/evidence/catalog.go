package evidence

import (
	"strconv"
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
)

// #region catalog
// Source is one catalog entry. IDs are S1..Sn in rank order.
type Source struct {
	ID      string
	DocPath string
	DocName string
	Anchor  string
	Heading string
	Tier    kb.Tier
	Content string
}

// Ref renders the source as tier:doc#anchor.
func (s Source) Ref() string {
	ref := s.DocName + s.Anchor
	if s.Tier != "" {
		return string(s.Tier) + ":" + ref
	}
	return ref
}

// Catalog maps synthetic source ids to the passages of one retrieval. It is
// the only way later stages may refer to a passage.
type Catalog struct {
	sources []Source
	byID    map[string]int
}

// NewCatalog numbers the ranked passages S1..Sn.
func NewCatalog(ranked []kb.Passage) *Catalog {
	c := &Catalog{
		sources: make([]Source, len(ranked)),
		byID:    make(map[string]int, len(ranked)),
	}
	for i, p := range ranked {
		id := "S" + strconv.Itoa(i+1)
		c.sources[i] = Source{
			ID:      id,
			DocPath: p.DocPath,
			DocName: p.Filename(),
			Anchor:  p.Anchor,
			Heading: p.Heading,
			Tier:    p.Tier,
			Content: strings.TrimSpace(p.Content),
		}
		c.byID[id] = i
	}
	return c
}

func (c *Catalog) Len() int { return len(c.sources) }

// Sources returns the entries in rank order.
func (c *Catalog) Sources() []Source { return c.sources }

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id string) (Source, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Source{}, false
	}
	return c.sources[i], true
}

func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// #endregion catalog

// #region compact
// CompactSource is the grounding form of a Source sent to a generator.
type CompactSource struct {
	SourceID string `json:"source_id"`
	DocName  string `json:"doc_name"`
	Anchor   string `json:"anchor"`
	Heading  string `json:"heading"`
	Content  string `json:"content"`
}

// Compact returns every source with its content cut to 700 characters.
func (c *Catalog) Compact() []CompactSource {
	out := make([]CompactSource, len(c.sources))
	for i, s := range c.sources {
		out[i] = CompactSource{
			SourceID: s.ID,
			DocName:  s.DocName,
			Anchor:   s.Anchor,
			Heading:  s.Heading,
			Content:  ellipsize(s.Content, compactRunes),
		}
	}
	return out
}

// #endregion compact

// #region text-helpers
// ellipsize cuts s to n runes and appends "..." when it was longer.
func ellipsize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRight(string(r[:n]), " \t\r\n") + "..."
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func runeLen(s string) int { return len([]rune(s)) }

// #endregion text-helpers
