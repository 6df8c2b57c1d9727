package strategies

import "errors"

// The processing error taxonomy of spec §7: each value names a recovery
// action the processor takes, never an abstract failure. Grounded on the
// original exceptions.py vocabulary (SkipEventForNow, ProcessingAborted,
// ParentDeleted).
var (
	// ErrSkipEventForNow drops the event back to the loader; a later
	// cycle will pick it up again once whatever precondition it hit has
	// resolved.
	ErrSkipEventForNow = errors.New("strategies: skip event for now")

	// ErrProcessingAborted is raised at the first safe point after the
	// global stop flag is observed.
	ErrProcessingAborted = errors.New("strategies: processing aborted")

	// ErrParentDeleted means the event's parent folder is gone on the
	// remote side; the processor responds by synthesizing a dummy delete
	// for the event's file (spec §4.5.3).
	ErrParentDeleted = errors.New("strategies: parent folder deleted")

	// ErrPatchApplyFailed means a patch could not be applied to the
	// local file; the event is downgraded from downloaded to received
	// and a whole-file download is scheduled instead (spec §7).
	ErrPatchApplyFailed = errors.New("strategies: patch apply failed")
)
