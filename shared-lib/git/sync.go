package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	goGit "github.com/go-git/go-git/v5"
	goGitConfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CommitPair is two consecutive commits of the watched branch.
type CommitPair struct {
	Prev *object.Commit
	Next *object.Commit
}

// CommitInfo represents information about a Git commit
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
}

// Describe returns the loggable summary of a commit.
func Describe(commit *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commit.Hash.String(),
		Message:   commit.Message,
		Author:    commit.Author.Name,
		Email:     commit.Author.Email,
		Timestamp: commit.Author.When,
	}
}

// Fetch fetches the watched branch from origin into its remote-tracking ref.
// An up-to-date remote is not an error.
func (client *Client) Fetch(ctx context.Context, progress io.Writer) error {
	repo, err := client.repository()
	if err != nil {
		return err
	}

	refSpec := goGitConfig.RefSpec(fmt.Sprintf("+%s:%s", client.branchRef(), client.remoteRef()))
	fetchOptions := &goGit.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []goGitConfig.RefSpec{refSpec},
		Progress:   progress,
	}

	if client.auth != nil {
		authMethod, err := getAuthMethod(client.url, client.auth)
		if err != nil {
			return fmt.Errorf("failed to setup authentication: %w", err)
		}
		fetchOptions.Auth = authMethod
		fetchOptions.CABundle = client.auth.CABundle
	}

	err = repo.FetchContext(ctx, fetchOptions)
	if err != nil && !errors.Is(err, goGit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch %s from %s: %w", client.branch, remoteName, err)
	}
	return nil
}

// Cursor returns the commit the local branch points at.
func (client *Client) Cursor() (plumbing.Hash, error) {
	return client.resolve(client.branchRef())
}

// Tip returns the last fetched commit of the remote branch.
func (client *Client) Tip() (plumbing.Hash, error) {
	return client.resolve(client.remoteRef())
}

func (client *Client) resolve(name plumbing.ReferenceName) (plumbing.Hash, error) {
	repo, err := client.repository()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	ref, err := repo.Reference(name, true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	return ref.Hash(), nil
}

// PendingPairs returns the consecutive commit pairs between the local branch and the fetched
// remote tip, oldest first. The first pair starts at the current cursor.
//
// Returns ErrNonFastForward when the cursor is not an ancestor of the tip.
func (client *Client) PendingPairs(ctx context.Context) ([]CommitPair, error) {
	repo, err := client.repository()
	if err != nil {
		return nil, err
	}

	cursor, err := client.Cursor()
	if err != nil {
		return nil, err
	}
	tip, err := client.Tip()
	if err != nil {
		return nil, err
	}
	if cursor == tip {
		return nil, nil
	}

	base, err := repo.CommitObject(cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor commit %s: %w", cursor, err)
	}

	commits, err := commitsBetween(ctx, repo, cursor, tip)
	if err != nil {
		return nil, err
	}

	pairs := make([]CommitPair, 0, len(commits))
	prev := base
	for _, commit := range commits {
		pairs = append(pairs, CommitPair{Prev: prev, Next: commit})
		prev = commit
	}
	return pairs, nil
}

// commitsBetween collects the commits reachable from `to` but not from `from`, in topological
// order with parents first. Ties are broken by committer time, then by hash.
func commitsBetween(ctx context.Context, repo *goGit.Repository, from, to plumbing.Hash) ([]*object.Commit, error) {
	tip, err := repo.CommitObject(to)
	if err != nil {
		return nil, fmt.Errorf("failed to get tip commit %s: %w", to, err)
	}

	collected := make(map[plumbing.Hash]*object.Commit)
	reachesBase := false

	iter := object.NewCommitPreorderIter(tip, nil, []plumbing.Hash{from})
	defer iter.Close()

	err = iter.ForEach(func(commit *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		collected[commit.Hash] = commit
		for _, parent := range commit.ParentHashes {
			if parent == from {
				reachesBase = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk commits %s..%s: %w", from, to, err)
	}
	if !reachesBase {
		return nil, fmt.Errorf("%w: %s is not an ancestor of %s", ErrNonFastForward, from, to)
	}

	return topoSort(collected), nil
}

func topoSort(commits map[plumbing.Hash]*object.Commit) []*object.Commit {
	pending := make(map[plumbing.Hash]int, len(commits))
	children := make(map[plumbing.Hash][]*object.Commit, len(commits))
	for hash, commit := range commits {
		pending[hash] = 0
		for _, parent := range commit.ParentHashes {
			if _, ok := commits[parent]; ok {
				pending[hash]++
				children[parent] = append(children[parent], commit)
			}
		}
	}

	var ready []*object.Commit
	for hash, n := range pending {
		if n == 0 {
			ready = append(ready, commits[hash])
		}
	}

	ordered := make([]*object.Commit, 0, len(commits))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			ti, tj := ready[i].Committer.When, ready[j].Committer.When
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return ready[i].Hash.String() < ready[j].Hash.String()
		})
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, child := range children[next.Hash] {
			pending[child.Hash]--
			if pending[child.Hash] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return ordered
}

// Advance fast-forwards the local branch to target.
//
// A target equal to the cursor is a no-op. A target that is not a descendant of the cursor
// fails with ErrNonFastForward and leaves the branch untouched.
func (client *Client) Advance(ctx context.Context, target plumbing.Hash) error {
	repo, err := client.repository()
	if err != nil {
		return err
	}

	cursor, err := client.Cursor()
	if err != nil {
		return err
	}
	if cursor == target {
		return nil
	}

	current, err := repo.CommitObject(cursor)
	if err != nil {
		return fmt.Errorf("failed to get cursor commit %s: %w", cursor, err)
	}
	next, err := repo.CommitObject(target)
	if err != nil {
		return fmt.Errorf("failed to get target commit %s: %w", target, err)
	}

	isAncestor, err := current.IsAncestor(next)
	if err != nil {
		return fmt.Errorf("failed to check ancestry of %s: %w", target, err)
	}
	if !isAncestor {
		return fmt.Errorf("%w: %s is not a descendant of %s", ErrNonFastForward, target, cursor)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	ref := plumbing.NewHashReference(client.branchRef(), target)
	if err := repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", ref.Name(), target, err)
	}

	if !client.checkoutWorktree {
		return nil
	}

	worktree, err := repo.Worktree()
	if errors.Is(err, goGit.ErrIsBareRepository) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get working tree: %w", err)
	}
	if err := worktree.Checkout(&goGit.CheckoutOptions{Branch: ref.Name(), Force: true}); err != nil {
		return fmt.Errorf("failed to check out %s: %w", target, err)
	}
	return nil
}
