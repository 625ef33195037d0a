package vindex

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
)

// fingerprintPrefix bounds how much of each passage body feeds its hash.
const fingerprintPrefix = 200

// #region scope
// Scope identifies one cache entry. Two pools that differ in tier set,
// model or size never share an entry.
type Scope struct {
	TierKey string
	Model   string
	N       int
}

// ScopeFor derives the scope of a pool.
func ScopeFor(passages []kb.Passage, model string) Scope {
	set := make(map[string]bool)
	for _, p := range passages {
		if p.Tier != "" {
			set[string(p.Tier)] = true
		}
	}
	tiers := make([]string, 0, len(set))
	for t := range set {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	key := strings.Join(tiers, "_")
	if key == "" {
		key = "none"
	}
	return Scope{TierKey: key, Model: SanitizeModel(model), N: len(passages)}
}

// Stem is the file-name fragment shared by the scope's cache files.
func (s Scope) Stem() string {
	return fmt.Sprintf("%s__%s__n%d", s.TierKey, s.Model, s.N)
}

// SanitizeModel makes a model name safe for file names.
func SanitizeModel(model string) string {
	m := strings.NewReplacer("/", "_", " ", "_").Replace(model)
	m = strings.Trim(m, "_")
	if m == "" {
		return "default"
	}
	return m
}

// #endregion scope

// #region fingerprint
// Fingerprint hashes each passage's path, anchor, body-prefix hash and body
// length, in pool order. Any edit that changes one of those invalidates
// the cache.
func Fingerprint(passages []kb.Passage) string {
	parts := make([]string, len(passages))
	for i, p := range passages {
		body := p.Content
		if len(body) > fingerprintPrefix {
			body = body[:fingerprintPrefix]
		}
		h := sha1.Sum([]byte(body))
		parts[i] = fmt.Sprintf("%s|%s|%s|%d", p.DocPath, p.Anchor, hex.EncodeToString(h[:]), len(p.Content))
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// #endregion fingerprint
