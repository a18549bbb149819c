package security

import (
	"context"
	"crypto/subtle"

	"wsrpc/rpcerr"
)

// TokenAuthenticator maps static bearer tokens to client ids.
type TokenAuthenticator struct {
	tokens map[string]string
}

// NewTokenAuthenticator copies tokens (token -> client id).
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	cp := make(map[string]string, len(tokens))
	for tok, client := range tokens {
		cp[tok] = client
	}
	return &TokenAuthenticator{tokens: cp}
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, creds Credentials) (Session, error) {
	if creds.Token == "" {
		return Session{}, rpcerr.New(rpcerr.CodeAuthentication, "missing token")
	}
	// Constant-time comparison against every entry.
	var client string
	for tok, id := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(creds.Token)) == 1 {
			client = id
		}
	}
	if client == "" {
		return Session{}, rpcerr.New(rpcerr.CodeAuthentication, "invalid token")
	}
	return Session{ClientID: client, Token: creds.Token}, nil
}
