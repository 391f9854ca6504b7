package remote

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kimhsiao/reportsync/internal/crypto"
	"github.com/kimhsiao/reportsync/internal/sync/store"
)

// TokenSource supplies the bearer token for each upload.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StoredToken reads the token sealed under store.MetaToken on every call, so
// a token saved after startup is picked up by the next upload.
type StoredToken struct {
	Meta     store.MetaStore
	DeviceID string
}

// Token implements TokenSource. A missing token yields "".
func (s *StoredToken) Token(ctx context.Context) (string, error) {
	sealed, ok, err := s.Meta.GetMeta(ctx, store.MetaToken)
	if err != nil {
		return "", errors.Wrap(err, "read stored token")
	}
	if !ok {
		return "", nil
	}
	return crypto.OpenToken(sealed, s.DeviceID)
}

// SaveToken seals token and stores it for deviceID.
func SaveToken(ctx context.Context, meta store.MetaStore, deviceID, token string) error {
	sealed, err := crypto.SealToken(token, deviceID)
	if err != nil {
		return err
	}
	return errors.Wrap(meta.SetMeta(ctx, store.MetaToken, sealed), "store token")
}

// Chain returns the first non-empty token from sources.
func Chain(sources ...TokenSource) TokenSource {
	return TokenFunc(func(ctx context.Context) (string, error) {
		for _, src := range sources {
			if src == nil {
				continue
			}
			token, err := src.Token(ctx)
			if err != nil {
				return "", err
			}
			if token != "" {
				return token, nil
			}
		}
		return "", nil
	})
}
