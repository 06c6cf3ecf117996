package jobs

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/jobcontrol/internal/cachekey"
	"github.com/kiranshivaraju/jobcontrol/internal/store"
)

var (
	ErrAcknowledgeFailed = errors.New("job could not be acknowledged")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidResultType = errors.New("invalid result type")
)

const (
	cacheConfigDocsURL = "https://github.com/kiranshivaraju/jobcontrol/blob/main/docs/functions.md#cache"
	argumentsDocsURL   = "https://github.com/kiranshivaraju/jobcontrol/blob/main/docs/functions.md#arguments"
)

// InvalidJobArgumentsError reports job arguments that cannot be used with
// the target function's configuration. DocsURL points at the relevant
// documentation for the caller.
type InvalidJobArgumentsError struct {
	Message string
	DocsURL string
	Err     error
}

func (e *InvalidJobArgumentsError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *InvalidJobArgumentsError) Unwrap() error { return e.Err }

// resolveCacheKey evaluates keyPath against the parsed arguments.
func resolveCacheKey(keyPath string, args any) (string, error) {
	key, err := cachekey.First(keyPath, args)
	if errors.Is(err, cachekey.ErrNotFound) || errors.Is(err, cachekey.ErrInvalidPath) {
		return "", &InvalidJobArgumentsError{
			Message: "failed to extract cache key from arguments",
			DocsURL: cacheConfigDocsURL,
			Err:     err,
		}
	}
	if err != nil {
		return "", fmt.Errorf("resolve cache key: %w", err)
	}
	return key, nil
}

func storeErr(err error, jobID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return err
}
