// Package identity defines the opaque identity boundary the replication
// core consumes. Authentication and authorization are collaborators —
// the core never inspects how an Identity was produced, only that it
// has one.
package identity

import "context"

// Identity is an opaque handle naming who is acting. The core treats it
// as a comparable value; nothing in this package or internal/store,
// internal/compactor, or internal/session interprets its contents.
type Identity string

// Anonymous is the identity used when a collaborator has no auth layer
// wired in (development, local-only embedding).
const Anonymous Identity = "anonymous"

// Authenticator turns a transport-level credential into an Identity.
// internal/auth provides a concrete JWT-backed implementation; tests
// and anonymous deployments can use a trivial one.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// AuthenticatorFunc adapts a function to an Authenticator.
type AuthenticatorFunc func(ctx context.Context, credential string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// AnonymousAuthenticator always succeeds, returning the Anonymous identity. Used by
// deployments that disable auth entirely.
var AnonymousAuthenticator Authenticator = AuthenticatorFunc(func(_ context.Context, _ string) (Identity, error) {
	return Anonymous, nil
})
