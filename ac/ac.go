// Package ac maps action digests to cached ActionResults.
//
// Reads and writes are deliberately asymmetric: Get treats any failure to
// read or decode a result as a miss so that a damaged entry only costs a
// re-execution, while Put reports every failure to its caller.
package ac

import (
	"context"
	"fmt"

	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/reapi"
)

// ActionCache stores action results by the hash of the action digest.
type ActionCache interface {
	Get(ctx context.Context, action cascache.Digest) (*reapi.ActionResult, bool)
	Put(ctx context.Context, action cascache.Digest, result *reapi.ActionResult) error
}

// key returns the storage key for an action. Only the hash is significant.
func key(action cascache.Digest) (string, error) {
	if action.Hash == "" {
		return "", fmt.Errorf("%w: empty action hash", cascache.ErrInvalidDigest)
	}
	for i := 0; i < len(action.Hash); i++ {
		c := action.Hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: action hash %q is not lowercase hex", cascache.ErrInvalidDigest, action.Hash)
		}
	}
	return action.Hash, nil
}
