package extproc

import (
	"context"
	"fmt"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
)

// Hooks is the user-supplied callback set for an ext-proc callout. Each
// method receives the incoming phase payload and returns the response to
// place on that phase's oneof field, or an error to terminate the stream
// (typically via calloututil.DenyCallout).
//
// All methods are optional in spirit: embed BaseHooks to get pass-through
// defaults and override only the phases you care about.
type Hooks interface {
	OnRequestHeaders(ctx context.Context, headers *extprocv3.HttpHeaders) (*extprocv3.HeadersResponse, error)
	OnResponseHeaders(ctx context.Context, headers *extprocv3.HttpHeaders) (*extprocv3.HeadersResponse, error)
	OnRequestBody(ctx context.Context, body *extprocv3.HttpBody) (*extprocv3.BodyResponse, error)
	OnResponseBody(ctx context.Context, body *extprocv3.HttpBody) (*extprocv3.BodyResponse, error)
	OnRequestTrailers(ctx context.Context, trailers *extprocv3.HttpTrailers) (*extprocv3.TrailersResponse, error)
	OnResponseTrailers(ctx context.Context, trailers *extprocv3.HttpTrailers) (*extprocv3.TrailersResponse, error)
}

// BaseHooks implements Hooks with pass-through defaults: every phase returns
// an empty response, which Envoy interprets as "continue unmodified". Embed
// this in a concrete handler struct to avoid implementing phases you don't
// need.
type BaseHooks struct{}

func (BaseHooks) OnRequestHeaders(context.Context, *extprocv3.HttpHeaders) (*extprocv3.HeadersResponse, error) {
	return &extprocv3.HeadersResponse{}, nil
}

func (BaseHooks) OnResponseHeaders(context.Context, *extprocv3.HttpHeaders) (*extprocv3.HeadersResponse, error) {
	return &extprocv3.HeadersResponse{}, nil
}

func (BaseHooks) OnRequestBody(context.Context, *extprocv3.HttpBody) (*extprocv3.BodyResponse, error) {
	return &extprocv3.BodyResponse{}, nil
}

func (BaseHooks) OnResponseBody(context.Context, *extprocv3.HttpBody) (*extprocv3.BodyResponse, error) {
	return &extprocv3.BodyResponse{}, nil
}

// OnRequestTrailers defaults to an empty response for symmetry with the
// other phases; trailers carry no mutation in the common case.
func (BaseHooks) OnRequestTrailers(context.Context, *extprocv3.HttpTrailers) (*extprocv3.TrailersResponse, error) {
	return &extprocv3.TrailersResponse{}, nil
}

func (BaseHooks) OnResponseTrailers(context.Context, *extprocv3.HttpTrailers) (*extprocv3.TrailersResponse, error) {
	return &extprocv3.TrailersResponse{}, nil
}

var _ Hooks = BaseHooks{}

// ImmediateResponseError is a sentinel error a hook returns to short-circuit
// the exchange with an HTTP response, instead of the header/body mutation
// its phase normally returns. ImmediateResponse is a sibling of
// HeadersResponse/BodyResponse on the wire, not a field of either, so this
// is the escape hatch hooks use to reach it. Dispatch recognizes this type
// via errors.As and sends the wrapped response rather than terminating the
// stream with a gRPC error.
type ImmediateResponseError struct {
	Response *extprocv3.ImmediateResponse
}

func (e *ImmediateResponseError) Error() string {
	return fmt.Sprintf("extproc: immediate response, status %s", e.Response.GetStatus().GetCode())
}
