package git

import (
	"context"
	"fmt"
	"sort"
	"strings"

	fdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// DeltaAction is the kind of change a file went through between two trees.
type DeltaAction string

const (
	DeltaAdded    DeltaAction = "added"
	DeltaModified DeltaAction = "modified"
	DeltaDeleted  DeltaAction = "deleted"
	DeltaRenamed  DeltaAction = "renamed"
)

// FileDelta holds the lines removed from and added to one file.
// Lines carry no trailing newline. Removed and Added are only filled for added and modified files.
type FileDelta struct {
	Path    string
	Action  DeltaAction
	Removed []string
	Added   []string
}

// LineDiff computes a zero-context line diff between the trees of two commits.
// The result is sorted by path and is deterministic for a given pair of commits.
func LineDiff(ctx context.Context, prev, next *object.Commit) ([]FileDelta, error) {
	prevTree, err := prev.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree of %s: %w", prev.Hash, err)
	}
	nextTree, err := next.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree of %s: %w", next.Hash, err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, prevTree, nextTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", prev.Hash, next.Hash, err)
	}

	deltas := make([]FileDelta, 0, len(changes))
	for _, change := range changes {
		action, err := changeAction(change)
		if err != nil {
			return nil, err
		}

		delta := FileDelta{Path: changePath(change), Action: action}
		if action == DeltaAdded || action == DeltaModified {
			patch, err := change.PatchContext(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to compute patch for %s: %w", delta.Path, err)
			}
			for _, filePatch := range patch.FilePatches() {
				for _, chunk := range filePatch.Chunks() {
					switch chunk.Type() {
					case fdiff.Add:
						delta.Added = append(delta.Added, splitLines(chunk.Content())...)
					case fdiff.Delete:
						delta.Removed = append(delta.Removed, splitLines(chunk.Content())...)
					}
				}
			}
		}
		deltas = append(deltas, delta)
	}

	sort.SliceStable(deltas, func(i, j int) bool { return deltas[i].Path < deltas[j].Path })
	return deltas, nil
}

func changeAction(change *object.Change) (DeltaAction, error) {
	action, err := change.Action()
	if err != nil {
		return "", fmt.Errorf("failed to classify change: %w", err)
	}
	switch action {
	case merkletrie.Insert:
		return DeltaAdded, nil
	case merkletrie.Delete:
		return DeltaDeleted, nil
	default:
		if change.From.Name != change.To.Name {
			return DeltaRenamed, nil
		}
		return DeltaModified, nil
	}
}

func changePath(change *object.Change) string {
	if change.To.Name != "" {
		return change.To.Name
	}
	return change.From.Name
}

func splitLines(content string) []string {
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}
