package strategies

import (
	"time"

	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/eventdb"
)

// PatchDecisionParams carries the tunables spec §4.5.1 names by their
// constant names, sourced from config.Configuration rather than hardcoded
// here so they stay adjustable per-deployment.
type PatchDecisionParams struct {
	MinDiffSize       int64
	PatchWaitTimeout  time.Duration
	DownloadBackups   bool
	MustDownloadCopy  bool // set once a prior patch apply has failed for this event
}

// ShouldDownloadWholeFile implements the critical patch-vs-full decision
// of spec §4.5.1: a remote update is downloaded as a whole file instead
// of a patch when any of the listed conditions holds. now is injected so
// the PATCH_WAIT_TIMEOUT branch is deterministic in tests.
func ShouldDownloadWholeFile(ev *eventdb.Event, file *eventdb.File, content *contentstore.Store, p PatchDecisionParams, now time.Time) bool {
	if !p.DownloadBackups {
		return true
	}
	if p.MustDownloadCopy {
		return true
	}

	if ev.DiffFileUUID != nil && content.PatchExists(*ev.DiffFileUUID) {
		return false
	}

	if ev.Outdated {
		return true
	}
	if ev.FileSize < p.MinDiffSize {
		return true
	}
	if ev.DiffFileSize != nil && *ev.DiffFileSize > 0 && *ev.DiffFileSize > ev.FileSize {
		return true
	}
	if file != nil && file.EventID == nil && file.LastSkippedEventID == nil {
		return true
	}
	diffSizeKnown := ev.DiffFileSize != nil && *ev.DiffFileSize > 0
	if !diffSizeKnown && now.Sub(ev.Timestamp()) > p.PatchWaitTimeout {
		return true
	}

	return false
}
