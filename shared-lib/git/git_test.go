package git

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	goGit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRepo struct {
	t    *testing.T
	repo *goGit.Repository
	fs   billy.Filesystem
	when time.Time
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	fs := memfs.New()
	repo, err := goGit.Init(memory.NewStorage(), fs)
	require.NoError(t, err)
	return &testRepo{t: t, repo: repo, fs: fs, when: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// newRemoteRepo creates a non-bare repository on disk that a Client can clone from.
func newRemoteRepo(t *testing.T) (*testRepo, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := goGit.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return &testRepo{t: t, repo: repo, fs: wt.Filesystem, when: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, dir
}

func (r *testRepo) commit(files map[string]string, removed ...string) *object.Commit {
	r.t.Helper()
	wt, err := r.repo.Worktree()
	require.NoError(r.t, err)

	for path, content := range files {
		require.NoError(r.t, util.WriteFile(r.fs, path, []byte(content), 0644))
		_, err := wt.Add(path)
		require.NoError(r.t, err)
	}
	for _, path := range removed {
		_, err := wt.Remove(path)
		require.NoError(r.t, err)
	}

	r.when = r.when.Add(time.Minute)
	sig := &object.Signature{Name: "bors", Email: "bors@rust-lang.org", When: r.when}
	hash, err := wt.Commit("update index", &goGit.CommitOptions{Author: sig, Committer: sig, AllowEmptyCommits: true})
	require.NoError(r.t, err)

	commit, err := r.repo.CommitObject(hash)
	require.NoError(r.t, err)
	return commit
}

func (r *testRepo) setRef(name plumbing.ReferenceName, hash plumbing.Hash) {
	r.t.Helper()
	require.NoError(r.t, r.repo.Storer.SetReference(plumbing.NewHashReference(name, hash)))
}

func (r *testRepo) client() *Client {
	return &Client{url: "https://example.com/index", branch: "master", repo: r.repo}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "master", t.TempDir())
	assert.Error(t, err)

	_, err = NewClient("https://github.com/rust-lang/crates.io-index", "", t.TempDir())
	assert.Error(t, err)

	_, err = NewClient("https://github.com/rust-lang/crates.io-index", "master", "")
	assert.Error(t, err)

	client, err := NewClient("https://github.com/rust-lang/crates.io-index", "master", t.TempDir(), WithWorktreeCheckout(true))
	require.NoError(t, err)
	assert.True(t, client.checkoutWorktree)
}

func TestClient_NotOpened(t *testing.T) {
	client, err := NewClient("https://github.com/rust-lang/crates.io-index", "master", t.TempDir())
	require.NoError(t, err)

	_, err = client.Cursor()
	assert.ErrorIs(t, err, ErrNotOpened)
	_, err = client.PendingPairs(context.Background())
	assert.ErrorIs(t, err, ErrNotOpened)
}

func TestClient_CloneFetchAdvance(t *testing.T) {
	ctx := context.Background()
	remote, remoteDir := newRemoteRepo(t)
	c0 := remote.commit(map[string]string{"3/f/foo": "a\n"})

	localDir := filepath.Join(t.TempDir(), "index")
	client, err := NewClient(remoteDir, "master", localDir)
	require.NoError(t, err)

	cloned, err := client.Open(ctx, nil)
	require.NoError(t, err)
	assert.True(t, cloned)

	cursor, err := client.Cursor()
	require.NoError(t, err)
	assert.Equal(t, c0.Hash, cursor, "a fresh clone starts at the remote tip")
	tip, err := client.Tip()
	require.NoError(t, err)
	assert.Equal(t, c0.Hash, tip)

	local, err := goGit.PlainOpen(localDir)
	require.NoError(t, err)
	cfg, err := local.Config()
	require.NoError(t, err)
	assert.True(t, cfg.Core.IsBare, "clone without worktree checkout is bare")
	assert.NoFileExists(t, filepath.Join(localDir, "3", "f", "foo"))

	branches, err := local.Branches()
	require.NoError(t, err)
	var names []string
	require.NoError(t, branches.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	}))
	assert.Equal(t, []string{"master"}, names, "clone is single-branch")

	// up-to-date remote
	require.NoError(t, client.Fetch(ctx, nil))
	pairs, err := client.PendingPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pairs)

	c1 := remote.commit(map[string]string{"3/f/foo": "a\nb\n"})
	c2 := remote.commit(map[string]string{"3/b/bar": "c\n"})

	require.NoError(t, client.Fetch(ctx, nil))
	tip, err = client.Tip()
	require.NoError(t, err)
	assert.Equal(t, c2.Hash, tip, "fetch updates the remote-tracking ref")

	cursor, err = client.Cursor()
	require.NoError(t, err)
	assert.Equal(t, c0.Hash, cursor, "fetch never moves the cursor")

	pairs, err = client.PendingPairs(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, c0.Hash, pairs[0].Prev.Hash)
	assert.Equal(t, c1.Hash, pairs[0].Next.Hash)
	assert.Equal(t, c2.Hash, pairs[1].Next.Hash)

	for _, pair := range pairs {
		require.NoError(t, client.Advance(ctx, pair.Next.Hash))
	}

	reopened, err := NewClient(remoteDir, "master", localDir)
	require.NoError(t, err)
	cloned, err = reopened.Open(ctx, nil)
	require.NoError(t, err)
	assert.False(t, cloned)

	cursor, err = reopened.Cursor()
	require.NoError(t, err)
	assert.Equal(t, c2.Hash, cursor, "cursor survives a restart")
	pairs, err = reopened.PendingPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestClient_OpenRestoresMissingBranch(t *testing.T) {
	ctx := context.Background()
	remote, remoteDir := newRemoteRepo(t)
	c0 := remote.commit(map[string]string{"3/f/foo": "a\n"})

	localDir := t.TempDir()
	client, err := NewClient(remoteDir, "master", localDir)
	require.NoError(t, err)
	_, err = client.Open(ctx, nil)
	require.NoError(t, err)

	local, err := goGit.PlainOpen(localDir)
	require.NoError(t, err)
	require.NoError(t, local.Storer.RemoveReference(plumbing.NewBranchReferenceName("master")))

	reopened, err := NewClient(remoteDir, "master", localDir)
	require.NoError(t, err)
	cloned, err := reopened.Open(ctx, nil)
	require.NoError(t, err)
	assert.False(t, cloned)

	cursor, err := reopened.Cursor()
	require.NoError(t, err)
	assert.Equal(t, c0.Hash, cursor)
}

func TestPendingPairs_OldestFirst(t *testing.T) {
	r := newTestRepo(t)
	c0 := r.commit(map[string]string{"3/f/foo": "a\n"})
	c1 := r.commit(map[string]string{"3/f/foo": "a\nb\n"})
	c2 := r.commit(map[string]string{"3/b/bar": "c\n"})
	c3 := r.commit(map[string]string{"3/b/bar": "c\nd\n"})

	r.setRef(plumbing.NewRemoteReferenceName("origin", "master"), c3.Hash)
	r.setRef(plumbing.NewBranchReferenceName("master"), c0.Hash)

	pairs, err := r.client().PendingPairs(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	assert.Equal(t, c0.Hash, pairs[0].Prev.Hash)
	assert.Equal(t, c1.Hash, pairs[0].Next.Hash)
	assert.Equal(t, c1.Hash, pairs[1].Prev.Hash)
	assert.Equal(t, c2.Hash, pairs[1].Next.Hash)
	assert.Equal(t, c2.Hash, pairs[2].Prev.Hash)
	assert.Equal(t, c3.Hash, pairs[2].Next.Hash)
}

func TestPendingPairs_UpToDate(t *testing.T) {
	r := newTestRepo(t)
	c0 := r.commit(map[string]string{"3/f/foo": "a\n"})
	r.setRef(plumbing.NewRemoteReferenceName("origin", "master"), c0.Hash)

	pairs, err := r.client().PendingPairs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestPendingPairs_Diverged(t *testing.T) {
	r := newTestRepo(t)
	c0 := r.commit(map[string]string{"3/f/foo": "a\n"})
	left := r.commit(map[string]string{"3/f/foo": "a\nb\n"})

	r.setRef(plumbing.NewBranchReferenceName("master"), c0.Hash)
	right := r.commit(map[string]string{"3/b/bar": "x\n"})

	r.setRef(plumbing.NewBranchReferenceName("master"), left.Hash)
	r.setRef(plumbing.NewRemoteReferenceName("origin", "master"), right.Hash)

	client := r.client()
	_, err := client.PendingPairs(context.Background())
	assert.ErrorIs(t, err, ErrNonFastForward)

	err = client.Advance(context.Background(), right.Hash)
	assert.ErrorIs(t, err, ErrNonFastForward)

	cursor, err := client.Cursor()
	require.NoError(t, err)
	assert.Equal(t, left.Hash, cursor)
}

func TestAdvance_FastForward(t *testing.T) {
	r := newTestRepo(t)
	c0 := r.commit(map[string]string{"3/f/foo": "a\n"})
	c1 := r.commit(map[string]string{"3/f/foo": "a\nb\n"})
	r.setRef(plumbing.NewBranchReferenceName("master"), c0.Hash)

	client := r.client()
	require.NoError(t, client.Advance(context.Background(), c1.Hash))

	cursor, err := client.Cursor()
	require.NoError(t, err)
	assert.Equal(t, c1.Hash, cursor)

	// advancing to the current cursor is a no-op
	require.NoError(t, client.Advance(context.Background(), c1.Hash))
}

func TestEnsureBranch_CreatesFromRemote(t *testing.T) {
	r := newTestRepo(t)
	c0 := r.commit(map[string]string{"3/f/foo": "a\n"})
	r.setRef(plumbing.NewRemoteReferenceName("origin", "trunk"), c0.Hash)

	err := ensureBranch(r.repo, plumbing.NewBranchReferenceName("trunk"), plumbing.NewRemoteReferenceName("origin", "trunk"))
	require.NoError(t, err)

	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName("trunk"), true)
	require.NoError(t, err)
	assert.Equal(t, c0.Hash, ref.Hash())
}

func TestLineDiff(t *testing.T) {
	r := newTestRepo(t)
	c0 := r.commit(map[string]string{
		"3/f/foo": "{\"v\":1}\n{\"v\":2}\n",
		"3/b/bar": "{\"name\":\"bar\",\"vers\":\"0.1.0\",\"yanked\":false}\n",
	})
	c1 := r.commit(map[string]string{
		"3/f/foo": "{\"v\":1}\n{\"v\":3}\n",
		"3/n/new": "{\"n\":1}\n",
	}, "3/b/bar")

	deltas, err := LineDiff(context.Background(), c0, c1)
	require.NoError(t, err)
	require.Len(t, deltas, 3)

	byPath := make(map[string]FileDelta)
	for _, d := range deltas {
		byPath[d.Path] = d
	}

	assert.Equal(t, DeltaDeleted, byPath["3/b/bar"].Action)
	assert.Empty(t, byPath["3/b/bar"].Added)

	assert.Equal(t, DeltaModified, byPath["3/f/foo"].Action)
	assert.Equal(t, []string{`{"v":2}`}, byPath["3/f/foo"].Removed)
	assert.Equal(t, []string{`{"v":3}`}, byPath["3/f/foo"].Added)

	assert.Equal(t, DeltaAdded, byPath["3/n/new"].Action)
	assert.Empty(t, byPath["3/n/new"].Removed)
	assert.Equal(t, []string{`{"n":1}`}, byPath["3/n/new"].Added)
}

func TestLineDiff_AppendOnly(t *testing.T) {
	r := newTestRepo(t)
	c0 := r.commit(map[string]string{"3/f/foo": "{\"v\":1}\n"})
	c1 := r.commit(map[string]string{"3/f/foo": "{\"v\":1}\n{\"v\":2}\n"})

	deltas, err := LineDiff(context.Background(), c0, c1)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Empty(t, deltas[0].Removed)
	assert.Equal(t, []string{`{"v":2}`}, deltas[0].Added)
}

func TestDescribe(t *testing.T) {
	r := newTestRepo(t)
	c0 := r.commit(map[string]string{"3/f/foo": "a\n"})

	info := Describe(c0)
	assert.Equal(t, c0.Hash.String(), info.Hash)
	assert.Equal(t, "bors", info.Author)
	assert.Equal(t, "update index", info.Message)
}

func TestGetAuthMethod(t *testing.T) {
	method, err := getAuthMethod("https://github.com/rust-lang/crates.io-index", nil)
	require.NoError(t, err)
	assert.Nil(t, method)

	_, err = getAuthMethod("git@github.com:rust-lang/crates.io-index.git", &Auth{Username: "u", Token: "t"})
	assert.Error(t, err)

	method, err = getAuthMethod("https://github.com/rust-lang/crates.io-index", &Auth{Username: "u", Token: "t"})
	require.NoError(t, err)
	assert.NotNil(t, method)
}
