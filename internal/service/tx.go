package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"habit-marathon/internal/repository"
)

// maxTxAttempts bounds RunTx retries on ErrConflict.
const maxTxAttempts = 3

// RunTx runs fn as one unit of work, retrying the whole unit when storage
// reports a conflicting concurrent write. fn must not keep state across attempts.
func RunTx(ctx context.Context, store repository.Store, fn func(tx *repository.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = store.WithTx(ctx, fn)
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Unit of work conflicted, retrying")
	}
	return err
}
