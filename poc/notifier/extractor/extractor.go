// Package extractor reconstructs package lifecycle events from the line diff between two
// consecutive index commits.
//
// The index is maintained by an automation account that changes exactly one line per commit:
// a new version appends a line, a yank or unyank rewrites the line in place. Commits that do not
// have this shape are reported as typed errors instead of being guessed at.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/margo/index-notifier/poc/notifier/types"
	"github.com/margo/index-notifier/shared-lib/git"
)

var (
	ErrMalformedRecord     = errors.New("malformed index record")
	ErrShapeViolation      = errors.New("unexpected diff shape")
	ErrAmbiguousTransition = errors.New("ambiguous yank transition")
	ErrUnsupportedDelta    = errors.New("unsupported delta kind")
)

// ExtractError describes why a commit pair could not be turned into an event.
// It unwraps to one of the Err* sentinels.
type ExtractError struct {
	Kind   error
	Prev   string
	Next   string
	Path   string
	Detail string
}

func (e *ExtractError) Error() string {
	msg := fmt.Sprintf("%v (%s -> %s)", e.Kind, short(e.Prev), short(e.Next))
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ExtractError) Unwrap() error {
	return e.Kind
}

// IsSoftSkip reports whether the error only means the pair carries nothing to announce.
func IsSoftSkip(err error) bool {
	return errors.Is(err, ErrUnsupportedDelta)
}

func short(hash string) string {
	if len(hash) > 10 {
		return hash[:10]
	}
	return hash
}

// Extractor turns commit pairs into lifecycle events.
type Extractor struct {
	automationAuthor string
	log              *zap.SugaredLogger
}

func NewExtractor(automationAuthor string, log *zap.SugaredLogger) *Extractor {
	return &Extractor{
		automationAuthor: automationAuthor,
		log:              log,
	}
}

// Extract returns the event carried by the pair, or nil when the pair is skipped because next
// was not authored by the automation account.
func (e *Extractor) Extract(ctx context.Context, prev, next *object.Commit) (*types.LifecycleEvent, error) {
	if next.Author.Name != e.automationAuthor {
		info := git.Describe(next)
		e.log.Warnw("Skipping commit from non-automation author",
			"commit", info.Hash,
			"author", info.Author,
			"message", trimMessage(info.Message),
		)
		return nil, nil
	}

	deltas, err := git.LineDiff(ctx, prev, next)
	if err != nil {
		return nil, err
	}

	for _, delta := range deltas {
		if !supported(delta.Action) {
			e.log.Warnw("Ignoring unsupported delta", "commit", next.Hash.String(), "path", delta.Path, "action", delta.Action)
		}
	}

	event, mismatch, err := classify(deltas)
	if err != nil {
		var extractErr *ExtractError
		if errors.As(err, &extractErr) {
			extractErr.Prev = prev.Hash.String()
			extractErr.Next = next.Hash.String()
		}
		return nil, err
	}

	if mismatch != "" {
		e.log.Warnw("Removed and added lines describe different versions", "commit", next.Hash.String(), "detail", mismatch)
	}

	event.Commit = next.Hash.String()
	return event, nil
}

// Classify derives the event from the deltas of one commit pair. It performs no I/O and the
// result only depends on its input.
//
// A removed and an added line for different versions are classified on their yanked flags alone.
func Classify(deltas []git.FileDelta) (*types.LifecycleEvent, error) {
	event, _, err := classify(deltas)
	return event, err
}

// classify is Classify that also describes a name or version mismatch between the removed and
// the added line.
func classify(deltas []git.FileDelta) (event *types.LifecycleEvent, mismatch string, err error) {
	var (
		removed, added         *types.IndexRecord
		removedPath, addedPath string
		unsupported            int
	)

	for _, delta := range deltas {
		if !supported(delta.Action) {
			unsupported++
			continue
		}

		for _, line := range delta.Removed {
			if removed != nil {
				return nil, "", &ExtractError{Kind: ErrShapeViolation, Path: delta.Path, Detail: "more than one removed line"}
			}
			record, err := parse(line, delta.Path)
			if err != nil {
				return nil, "", err
			}
			removed, removedPath = &record, delta.Path
		}

		for _, line := range delta.Added {
			if added != nil {
				return nil, "", &ExtractError{Kind: ErrShapeViolation, Path: delta.Path, Detail: "more than one added line"}
			}
			record, err := parse(line, delta.Path)
			if err != nil {
				return nil, "", err
			}
			added, addedPath = &record, delta.Path
		}
	}

	if added == nil {
		if removed == nil && unsupported > 0 {
			return nil, "", &ExtractError{Kind: ErrUnsupportedDelta, Detail: fmt.Sprintf("%d unsupported deltas and nothing else", unsupported)}
		}
		return nil, "", &ExtractError{Kind: ErrShapeViolation, Path: removedPath, Detail: "no added line"}
	}

	if removed == nil {
		if added.Yanked {
			return nil, "", &ExtractError{Kind: ErrAmbiguousTransition, Path: addedPath, Detail: "new line is already yanked"}
		}
		return &types.LifecycleEvent{Record: *added, Kind: types.EventNewVersion}, "", nil
	}

	if removed.Name != added.Name || removed.Vers != added.Vers {
		mismatch = fmt.Sprintf("removed %s but added %s", removed, added)
	}

	switch {
	case !removed.Yanked && added.Yanked:
		return &types.LifecycleEvent{Record: *added, Kind: types.EventYanked}, mismatch, nil
	case removed.Yanked && !added.Yanked:
		return &types.LifecycleEvent{Record: *added, Kind: types.EventUnyanked}, mismatch, nil
	default:
		return nil, "", &ExtractError{
			Kind:   ErrAmbiguousTransition,
			Path:   addedPath,
			Detail: fmt.Sprintf("yanked %t -> %t", removed.Yanked, added.Yanked),
		}
	}
}

func supported(action git.DeltaAction) bool {
	return action == git.DeltaAdded || action == git.DeltaModified
}

func parse(line, path string) (types.IndexRecord, error) {
	record, err := types.ParseIndexRecord(line)
	if err != nil {
		return types.IndexRecord{}, &ExtractError{Kind: ErrMalformedRecord, Path: path, Detail: err.Error()}
	}
	return record, nil
}

func trimMessage(message string) string {
	return strings.TrimRight(message, "\n")
}
