package identity

import (
	"context"

	"golang.org/x/sync/singleflight"

	relayerrors "github.com/tablecast/relay/internal/errors"
)

// Resolver turns stream tokens into identities. Concurrent resolutions of
// the same token are collapsed into one store read; a browser opening several
// tabs at once must not multiply load on the token store.
type Resolver struct {
	store Store
	group singleflight.Group
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve validates and resolves a stream token. Unknown and expired tokens
// fail with an authentication error; store failures surface as unavailable.
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, relayerrors.AuthenticationError("missing stream token")
	}

	result, err, _ := r.group.Do(token, func() (any, error) {
		id, ok, err := r.store.Get(ctx, token)
		if err != nil {
			return Identity{}, relayerrors.UnavailableError("token store unavailable", err)
		}
		if !ok {
			return Identity{}, relayerrors.AuthenticationError("unknown or expired stream token")
		}
		return id, nil
	})
	if err != nil {
		return Identity{}, err
	}

	return result.(Identity), nil
}
