package directory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
)

// #region roles
// Role names as they appear in the directory.
const (
	RoleEmployee = "Employee"
	RoleEngineer = "Engineer"
	RoleITAdmin  = "IT Admin"
)

var roleTiers = map[string][]kb.Tier{
	RoleEmployee: {kb.TierPublic, kb.TierInternal},
	RoleEngineer: {kb.TierPublic, kb.TierInternal},
	RoleITAdmin:  {kb.TierPublic, kb.TierInternal, kb.TierRestricted},
}

// TiersForRole returns the tiers a role may read. A restricted grant adds
// the restricted tier for roles that lack it. Unknown roles get nothing.
func TiersForRole(role string, restrictedGrant bool) []kb.Tier {
	base := roleTiers[role]
	out := append([]kb.Tier(nil), base...)
	if restrictedGrant && !containsTier(out, kb.TierRestricted) {
		out = append(out, kb.TierRestricted)
	}
	return out
}

func containsTier(ts []kb.Tier, t kb.Tier) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// #endregion roles

// #region entry
// Entry is one person in the directory.
type Entry struct {
	UserID          string `yaml:"user_id" json:"user_id"`
	Role            string `yaml:"role" json:"role"`
	DisplayName     string `yaml:"display_name" json:"display_name"`
	GitHubUsername  string `yaml:"github_username" json:"github_username"`
	RestrictedGrant bool   `yaml:"restricted_grant" json:"restricted_grant"`
}

// AllowedTiers returns the tiers this entry may read.
func (e Entry) AllowedTiers() []kb.Tier {
	return TiersForRole(e.Role, e.RestrictedGrant)
}

// #endregion entry

// #region directory
// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("not in directory")

// Directory maps user ids and tracker logins to directory entries.
type Directory struct {
	byID    map[string]Entry
	byLogin map[string]Entry
}

// New indexes entries. Later duplicates win.
func New(entries []Entry) *Directory {
	d := &Directory{
		byID:    make(map[string]Entry, len(entries)),
		byLogin: make(map[string]Entry, len(entries)),
	}
	for _, e := range entries {
		e.GitHubUsername = strings.TrimSpace(e.GitHubUsername)
		d.byID[e.UserID] = e
		if e.GitHubUsername != "" {
			d.byLogin[strings.ToLower(e.GitHubUsername)] = e
		}
	}
	return d
}

// ByUserID looks up an entry by directory user id.
func (d *Directory) ByUserID(userID string) (Entry, error) {
	e, ok := d.byID[userID]
	if !ok {
		return Entry{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return e, nil
}

// ByLogin looks up an entry by tracker login, case-insensitively.
func (d *Directory) ByLogin(login string) (Entry, error) {
	e, ok := d.byLogin[strings.ToLower(strings.TrimSpace(login))]
	if !ok {
		return Entry{}, fmt.Errorf("login %q: %w", login, ErrNotFound)
	}
	return e, nil
}

// Resolve looks up userID, falling back to a synthetic entry for roleOverride.
func (d *Directory) Resolve(userID, roleOverride string) (Entry, error) {
	if e, err := d.ByUserID(userID); err == nil {
		return e, nil
	}
	if _, ok := roleTiers[roleOverride]; ok {
		return Entry{UserID: userID, Role: roleOverride}, nil
	}
	return Entry{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
}

// #endregion directory

// #region load
// Load reads a directory from a .csv or .yaml/.yml file.
func Load(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	defer f.Close()

	var entries []Entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		entries, err = ReadYAML(f)
	default:
		entries, err = ReadCSV(f)
	}
	if err != nil {
		return nil, fmt.Errorf("load directory %s: %w", path, err)
	}
	return New(entries), nil
}

// ReadCSV parses rows with columns user_id, role, display_name,
// github_username and restricted_grant.
func ReadCSV(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	col := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		col[strings.TrimSpace(h)] = i
	}
	if _, ok := col["user_id"]; !ok {
		return nil, errors.New("missing user_id column")
	}
	if _, ok := col["role"]; !ok {
		return nil, errors.New("missing role column")
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	entries := make([]Entry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		entries = append(entries, Entry{
			UserID:          get(row, "user_id"),
			Role:            get(row, "role"),
			DisplayName:     get(row, "display_name"),
			GitHubUsername:  get(row, "github_username"),
			RestrictedGrant: strings.EqualFold(get(row, "restricted_grant"), "true"),
		})
	}
	return entries, nil
}

// ReadYAML parses a document of the form `users: [...]`.
func ReadYAML(r io.Reader) ([]Entry, error) {
	var doc struct {
		Users []Entry `yaml:"users"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return doc.Users, nil
}

// #endregion load
