package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/directory"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
)

var indexFlags struct {
	rebuild bool
	jsonOut bool
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Prebuild the vector index cache for every role's tier set",
	Long: `Build (or validate) one vector index per distinct tier set a role can
read. Each tier set gets its own cache entry; a cache is reused only while
the model, passage count and content fingerprint still match.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	f := indexCmd.Flags()
	f.BoolVar(&indexFlags.rebuild, "rebuild", false, "Re-embed even when the cache is valid")
	f.BoolVar(&indexFlags.jsonOut, "json", false, "Output as JSON instead of a table")
}

type indexRow struct {
	Tiers       string `json:"tiers"`
	Roles       string `json:"roles"`
	Passages    int    `json:"passages"`
	FromCache   bool   `json:"from_cache"`
	Model       string `json:"model"`
	Dim         int    `json:"dim"`
	Fingerprint string `json:"fingerprint"`
}

// tierScopes groups roles by the tier set they can read, in role order.
func tierScopes() ([][]kb.Tier, map[string][]string) {
	var scopes [][]kb.Tier
	roles := map[string][]string{}
	add := func(label string, tiers []kb.Tier) {
		key := tierKey(tiers)
		if _, ok := roles[key]; !ok {
			scopes = append(scopes, tiers)
		}
		roles[key] = append(roles[key], label)
	}
	for _, role := range []string{directory.RoleEmployee, directory.RoleEngineer, directory.RoleITAdmin} {
		add(role, directory.TiersForRole(role, false))
	}
	add("restricted_grant", directory.TiersForRole(directory.RoleEmployee, true))
	return scopes, roles
}

func tierKey(tiers []kb.Tier) string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}

func runIndex(cmd *cobra.Command, _ []string) error {
	if cfg.Codec.Addr == "" {
		return errors.New("codec.addr is required to embed passages")
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	scopes, roles := tierScopes()
	var rows []indexRow
	for _, tiers := range scopes {
		passages, err := kb.Load(cfg.Docs, tiers)
		if err != nil {
			return err
		}
		key := tierKey(tiers)
		if len(passages) == 0 {
			rows = append(rows, indexRow{Tiers: key, Roles: strings.Join(roles[key], ",")})
			continue
		}
		ix, err := a.deps.Vectors.BuildOrLoad(cmd.Context(), passages, indexFlags.rebuild || cfg.Vector.Rebuild)
		if err != nil {
			return fmt.Errorf("index %s: %w", key, err)
		}
		info := ix.Meta()
		rows = append(rows, indexRow{
			Tiers:       key,
			Roles:       strings.Join(slices.Compact(roles[key]), ","),
			Passages:    ix.Len(),
			FromCache:   ix.FromCache(),
			Model:       info.ModelName,
			Dim:         info.Dim,
			Fingerprint: shortID(info.Fingerprint),
		})
	}

	if indexFlags.jsonOut {
		return printJSON(cmd.OutOrStdout(), rows)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "TIERS\tROLES\tPASSAGES\tCACHED\tMODEL\tDIM\tFINGERPRINT")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\t%d\t%s\n", r.Tiers, r.Roles, r.Passages, r.FromCache, r.Model, r.Dim, r.Fingerprint)
	}
	return tw.Flush()
}
