// Package security holds the policy collaborators a server consults before
// dispatching a request or stream start: who is calling, may they call this
// method, and are they within their request budget.
package security

import (
	"context"
	"time"

	"wsrpc/rpcerr"
)

// Credentials are presented once per connection, at the WebSocket handshake.
type Credentials struct {
	Token      string
	RemoteAddr string
}

// Session is the authenticated identity bound to a connection.
type Session struct {
	ClientID string
	Token    string
}

type Authenticator interface {
	// Authenticate returns the session for creds or an AUTHENTICATION_ERROR.
	Authenticate(ctx context.Context, creds Credentials) (Session, error)
}

// Decision is the outcome of an authorization check. Reason explains a denial.
type Decision struct {
	Allowed bool
	Reason  string
}

type Authorizer interface {
	Authorize(ctx context.Context, session Session, service, method string) Decision
}

// RateDecision is the outcome of a rate limit check. ResetAt is when the
// next request would be admitted; it is zero when Allowed.
type RateDecision struct {
	Allowed bool
	ResetAt time.Time
}

type RateLimiter interface {
	CheckRateLimit(clientID, service, method string) RateDecision
}

// AllowAll admits every request.
type AllowAll struct{}

func (AllowAll) Authenticate(_ context.Context, creds Credentials) (Session, error) {
	return Session{ClientID: "anonymous", Token: creds.Token}, nil
}

func (AllowAll) Authorize(context.Context, Session, string, string) Decision {
	return Decision{Allowed: true}
}

func (AllowAll) CheckRateLimit(string, string, string) RateDecision {
	return RateDecision{Allowed: true}
}

// Guard bundles the three collaborators.
type Guard struct {
	Authenticator Authenticator
	Authorizer    Authorizer
	RateLimiter   RateLimiter
}

// Check runs authorization then the rate limit for one request and returns
// the typed error a caller should receive, or nil.
func (g Guard) Check(ctx context.Context, session Session, service, method string) error {
	if g.Authorizer != nil {
		if d := g.Authorizer.Authorize(ctx, session, service, method); !d.Allowed {
			reason := d.Reason
			if reason == "" {
				reason = "not allowed"
			}
			return rpcerr.Newf(rpcerr.CodeAuthorization, "%s may not call %s.%s: %s", session.ClientID, service, method, reason)
		}
	}
	if g.RateLimiter != nil {
		if d := g.RateLimiter.CheckRateLimit(session.ClientID, service, method); !d.Allowed {
			return rpcerr.Newf(rpcerr.CodeRateLimitExceeded, "rate limit exceeded, retry after %s", d.ResetAt.UTC().Format(time.RFC3339Nano))
		}
	}
	return nil
}
