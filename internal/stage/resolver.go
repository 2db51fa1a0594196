// Package stage computes the pipeline position of a content item from the
// presence of its child rows. There is no stored stage column anywhere; this
// resolver is the single authoritative definition shared by the API read
// path, the transition validator, and the executor's in-transaction re-check.
package stage

import (
	"context"
	"errors"
	"fmt"

	"storyflow/internal/domain"
	"storyflow/internal/repo"
)

// IntegrityViolationError reports a chain that skips a stage: data was
// mutated outside the engine's invariants and needs manual correction. It is
// never retriable and never mapped to a guessed stage.
type IntegrityViolationError struct {
	IdeaID int64
	Detail string
}

func (e IntegrityViolationError) Error() string {
	return fmt.Sprintf("content item %d: integrity violation: %s", e.IdeaID, e.Detail)
}

// Resolve derives the StageRecord for a content item. It is a pure read: it
// works identically on *sql.DB and *sql.Tx, which is what lets the executor
// re-resolve inside its own transaction.
func Resolve(ctx context.Context, r repo.Repo, q repo.Querier, ideaID int64) (domain.StageRecord, error) {
	if _, err := r.GetIdea(ctx, q, ideaID); err != nil {
		return domain.StageRecord{}, err
	}
	rec := domain.StageRecord{IdeaID: ideaID, Stage: domain.StageIdea}

	content, err := r.GetContentByIdea(ctx, q, ideaID)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, nil
	}
	if err != nil {
		return domain.StageRecord{}, err
	}
	rec.ContentID = &content.ID
	rec.Stage = domain.StageScript

	production, prodErr := r.GetProductionByContent(ctx, q, content.ID)
	social, socialErr := r.GetSocialPostByContent(ctx, q, content.ID)
	if socialErr != nil && !errors.Is(socialErr, repo.ErrNotFound) {
		return domain.StageRecord{}, socialErr
	}
	if errors.Is(prodErr, repo.ErrNotFound) {
		if socialErr == nil {
			// A social row without a production row means a stage was
			// skipped by an out-of-band write.
			return domain.StageRecord{}, IntegrityViolationError{
				IdeaID: ideaID,
				Detail: fmt.Sprintf("social_media row %d exists without a production row", social.ID),
			}
		}
		return rec, nil
	}
	if prodErr != nil {
		return domain.StageRecord{}, prodErr
	}
	rec.ProductionID = &production.ID
	rec.Stage = domain.StageProduction

	if errors.Is(socialErr, repo.ErrNotFound) {
		return rec, nil
	}
	rec.SocialPostID = &social.ID
	if social.Published {
		rec.Stage = domain.StagePublished
	} else {
		rec.Stage = domain.StageSocial
	}
	return rec, nil
}
