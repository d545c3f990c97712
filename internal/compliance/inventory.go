package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/festion/homelab-gitops-auditor/internal/capability"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// BuildInventory assembles an Inventory for repo at ref by listing its tree
// once and fetching the content of every file any of templates requires.
// Required directories need no fetch: Evaluate only checks for any tracked
// path under them, which the tree listing alone already answers.
func BuildInventory(ctx context.Context, host capability.RepoHost, owner, repo, ref string, templates []store.Template) (Inventory, error) {
	tree, err := host.ListTree(ctx, owner, repo, ref)
	if err != nil {
		return Inventory{}, err
	}
	present := make(map[string]bool, len(tree))
	for _, p := range tree {
		present[p] = true
	}

	inv := Inventory{
		Repository: owner + "/" + repo,
		Files:      make(map[string]FileState),
	}
	for _, p := range tree {
		inv.Files[p] = FileState{Path: p, Exists: true}
	}

	seen := make(map[string]bool)
	for _, tmpl := range templates {
		for _, path := range tmpl.RequiredFiles {
			if seen[path] || !present[path] {
				continue
			}
			seen[path] = true

			fc, err := host.GetFile(ctx, owner, repo, path, ref)
			if err != nil {
				if errs.Is(err, errs.KindNotFound) {
					continue
				}
				return Inventory{}, err
			}
			sum := sha256.Sum256(fc.Content)
			inv.Files[path] = FileState{
				Path:        path,
				Exists:      true,
				Content:     fc.Content,
				ContentHash: hex.EncodeToString(sum[:]),
			}
		}
	}

	return inv, nil
}
