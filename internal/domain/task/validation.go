package task

import (
	"fmt"

	"github.com/Driftwald/ReelStudio/internal/domain"
)

// ValidateCreateRequest validates a task creation request against the
// configured limits. Style labels are opaque; only count and shape are checked.
func ValidateCreateRequest(req CreateRequest, maxStyles int) error {
	if req.StyleCount < 1 {
		return fmt.Errorf("style_count must be at least 1: %w", domain.ErrValidation)
	}
	if req.StyleCount > maxStyles {
		return fmt.Errorf("style_count exceeds maximum of %d: %w", maxStyles, domain.ErrValidation)
	}
	if len(req.Styles) > req.StyleCount {
		return fmt.Errorf("more style labels than style_count: %w", domain.ErrValidation)
	}
	seen := make(map[string]bool, len(req.Styles))
	for _, s := range req.Styles {
		if s == "" {
			return fmt.Errorf("style labels cannot be empty: %w", domain.ErrValidation)
		}
		if seen[s] {
			return fmt.Errorf("duplicate style label %q: %w", s, domain.ErrValidation)
		}
		seen[s] = true
	}
	if req.PerImageSeconds < 0 {
		return fmt.Errorf("per_image_seconds cannot be negative: %w", domain.ErrValidation)
	}
	if req.Concurrency < 0 {
		return fmt.Errorf("concurrency cannot be negative: %w", domain.ErrValidation)
	}
	return nil
}

// ValidateSelection checks a selection against the task: every id must be an
// image this task successfully generated, with no duplicates and at least one
// entry. A task that is not awaiting selection rejects the request upstream;
// this only validates shape and membership.
func ValidateSelection(t *Task, sel Selection) error {
	if len(sel.ImageIDs) == 0 {
		return fmt.Errorf("selection must include at least one image: %w", domain.ErrValidation)
	}
	generated := make(map[string]bool, len(t.Images))
	for _, img := range t.Images {
		if img.Succeeded() {
			generated[img.FileID] = true
		}
	}
	seen := make(map[string]bool, len(sel.ImageIDs))
	for _, id := range sel.ImageIDs {
		if id == "" {
			return fmt.Errorf("image ids cannot be empty: %w", domain.ErrValidation)
		}
		if seen[id] {
			return fmt.Errorf("duplicate image %s in selection: %w", id, domain.ErrValidation)
		}
		seen[id] = true
		if !generated[id] {
			return fmt.Errorf("image %s was not generated by this task: %w", id, domain.ErrValidation)
		}
	}
	if sel.PerImageSeconds < 0 {
		return fmt.Errorf("per_image_seconds cannot be negative: %w", domain.ErrValidation)
	}
	return nil
}
