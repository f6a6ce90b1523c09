package extauthz

import (
	"context"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
)

// Authorizer is the user-supplied callback for an ext-authz callout. It
// inspects the incoming CheckRequest and returns the allow/deny decision.
type Authorizer interface {
	OnCheck(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error)
}

// AuthorizerFunc adapts a plain function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error)

func (f AuthorizerFunc) OnCheck(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	return f(ctx, req)
}

// AllowAll is the default Authorizer: every request is allowed, matching
// Envoy's ext_authz default-allow semantics when a callout is misconfigured
// to always approve.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	return AllowRequest(nil), nil
})
