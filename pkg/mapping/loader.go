package mapping

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"

	"codeberg.org/dirbridge/dirbridge/pkg/config"
)

// LoadRuleset reads and validates a mapping table manifest.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset: %w", err)
	}

	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse ruleset: %w", err)
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}

	if rs.Scripts != "" && !filepath.IsAbs(rs.Scripts) {
		rs.Scripts = filepath.Join(filepath.Dir(path), rs.Scripts)
	}

	return &rs, nil
}

func (r *Ruleset) Validate() error {
	if len(r.PropertyTypes) == 0 {
		return fmt.Errorf("ruleset defines no property types")
	}

	seen := make(map[string]bool, len(r.PropertyTypes))
	for i := range r.PropertyTypes {
		pt := &r.PropertyTypes[i]
		if pt.Name == "" {
			return fmt.Errorf("property type %d has no name", i)
		}
		if seen[pt.Name] {
			return fmt.Errorf("property type %q declared twice", pt.Name)
		}
		seen[pt.Name] = true

		if pt.SearchFilter == "" {
			return fmt.Errorf("property type %q has no search filter", pt.Name)
		}
		if _, err := ParseFilter(pt.SearchFilter); err != nil {
			return fmt.Errorf("property type %q: %w", pt.Name, err)
		}
		if !pt.SyncMode.Valid() {
			return fmt.Errorf("property type %q has invalid sync mode %q", pt.Name, pt.SyncMode)
		}

		for _, ar := range pt.Attributes {
			if ar.LocalAttribute == "" || ar.RemoteAttribute == "" {
				return fmt.Errorf("property type %q has an attribute rule missing a side", pt.Name)
			}
			if ar.SyncMode != "" && !ar.SyncMode.Valid() {
				return fmt.Errorf("property type %q attribute %s: invalid sync mode %q",
					pt.Name, ar.LocalAttribute, ar.SyncMode)
			}
		}
	}

	return nil
}

// FetchRuleset resolves a git-distributed ruleset into a local path,
// cloning on first use and fetching updates afterwards.
func FetchRuleset(ctx context.Context, gitCfg *config.GitRulesConfig) (string, error) {
	cacheDir := gitCfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "dirbridge-rules")
	}

	hash := sha256.Sum256([]byte(gitCfg.URL))
	repoDir := filepath.Join(cacheDir, fmt.Sprintf("%x", hash[:8]))

	var repo *git.Repository
	var err error

	if _, serr := os.Stat(repoDir); os.IsNotExist(serr) {
		repo, err = git.PlainCloneContext(ctx, repoDir, false, &git.CloneOptions{URL: gitCfg.URL})
		if err != nil {
			return "", fmt.Errorf("failed to clone ruleset repository: %w", err)
		}
	} else {
		repo, err = git.PlainOpen(repoDir)
		if err != nil {
			return "", fmt.Errorf("failed to open ruleset repository: %w", err)
		}
		err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin"})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return "", fmt.Errorf("failed to fetch ruleset updates: %w", err)
		}
	}

	if gitCfg.Ref != "" {
		w, err := repo.Worktree()
		if err != nil {
			return "", fmt.Errorf("failed to get worktree: %w", err)
		}

		err = w.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(gitCfg.Ref)})
		if err != nil {
			err = w.Checkout(&git.CheckoutOptions{Branch: plumbing.NewTagReferenceName(gitCfg.Ref)})
		}
		if err != nil {
			err = w.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(gitCfg.Ref)})
		}
		if err != nil {
			return "", fmt.Errorf("failed to checkout ref %s: %w", gitCfg.Ref, err)
		}
	}

	manifestPath := filepath.Join(repoDir, gitCfg.Path)
	if _, err := os.Stat(manifestPath); err != nil {
		return "", fmt.Errorf("ruleset not found at %s: %w", gitCfg.Path, err)
	}

	return manifestPath, nil
}
