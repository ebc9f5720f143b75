package synchronizer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	goGit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/margo/index-notifier/poc/notifier/extractor"
	"github.com/margo/index-notifier/poc/notifier/types"
	"github.com/margo/index-notifier/shared-lib/git"
)

// upstream is an on-disk index repository the git client clones from.
type upstream struct {
	t    *testing.T
	dir  string
	repo *goGit.Repository
	when time.Time
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	dir := t.TempDir()
	repo, err := goGit.PlainInit(dir, false)
	require.NoError(t, err)
	return &upstream{t: t, dir: dir, repo: repo, when: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (u *upstream) commit(path string, lines ...string) plumbing.Hash {
	u.t.Helper()
	wt, err := u.repo.Worktree()
	require.NoError(u.t, err)

	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(u.t, util.WriteFile(wt.Filesystem, path, []byte(content), 0644))
	_, err = wt.Add(path)
	require.NoError(u.t, err)

	u.when = u.when.Add(time.Minute)
	sig := &object.Signature{Name: "bors", Email: "bors@rust-lang.org", When: u.when}
	hash, err := wt.Commit("Updating crate", &goGit.CommitOptions{Author: sig, Committer: sig})
	require.NoError(u.t, err)
	return hash
}

func record(vers string, yanked bool) string {
	return fmt.Sprintf(`{"name":"foo","vers":"%s","deps":[],"cksum":"00ff","features":{},"yanked":%t}`, vers, yanked)
}

func TestRun_IndexLifecycle(t *testing.T) {
	ctx := context.Background()
	remote := newUpstream(t)
	remote.commit("3/f/foo", record("1.0.0", false))

	index, err := git.NewClient(remote.dir, "master", filepath.Join(t.TempDir(), "index"))
	require.NoError(t, err)
	cloned, err := index.Open(ctx, nil)
	require.NoError(t, err)
	require.True(t, cloned)

	c1 := remote.commit("3/f/foo", record("1.0.0", false), record("1.1.0", false))
	c2 := remote.commit("3/f/foo", record("1.0.0", false), record("1.1.0", true))
	c3 := remote.commit("3/f/foo", record("1.0.0", false), record("1.1.0", false))

	ex := extractor.NewExtractor("bors", zap.NewNop().Sugar())
	_, ch, cancel, done := start(t, index, ex, time.Hour)

	expected := []struct {
		commit plumbing.Hash
		kind   types.EventKind
	}{
		{c1, types.EventNewVersion},
		{c2, types.EventYanked},
		{c3, types.EventUnyanked},
	}
	for _, e := range expected {
		delivery := receive(t, ch)
		assert.Equal(t, e.kind, delivery.Event.Kind)
		assert.Equal(t, "foo", delivery.Event.Record.Name)
		assert.Equal(t, "1.1.0", delivery.Event.Record.Vers)
		assert.Equal(t, e.commit.String(), delivery.Event.Commit)
		delivery.Token.Release()
	}

	assert.Eventually(t, func() bool {
		cursor, err := index.Cursor()
		return err == nil && cursor == c3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("synchronizer did not stop")
	}
}
