// Package calloututil provides pure, side-effect-free constructors for the
// Envoy response types shared by the ext-proc, ext-authz, and L4 dispatchers:
// header mutations, body mutations, immediate responses, and the explicit
// deny path. None of these hold state; they are safe to call concurrently
// from any number of streams.
package calloututil

import (
	"bytes"
	"context"
	"log/slog"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// HeaderValue is an ordered (key, value) pair to add or replace. Order is
// preserved on the wire; Envoy requires this for deterministic behavior when
// more than one HeaderValueOption targets the same key.
type HeaderValue struct {
	Key   string
	Value string
}

// AddHeaderMutation builds a HeadersResponse carrying the requested header
// mutation: an ordered add list, an unordered remove set, and an optional
// route-cache invalidation flag.
//
// add is transmitted as raw bytes (UTF-8 encoded from the given strings).
// remove is de-duplicated here, keeping the first occurrence of each key;
// the caller's order is not otherwise meaningful.
func AddHeaderMutation(
	add []HeaderValue,
	remove []string,
	clearRouteCache bool,
	appendAction core.HeaderValueOption_HeaderAppendAction,
) *extprocv3.HeadersResponse {
	resp := &extprocv3.HeadersResponse{
		Response: &extprocv3.CommonResponse{},
	}
	if len(add) > 0 {
		mutation := &core.HeaderMutation{}
		for _, kv := range add {
			opt := &core.HeaderValueOption{
				Header: &core.HeaderValue{
					Key:      kv.Key,
					RawValue: []byte(kv.Value),
				},
			}
			if appendAction != core.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD {
				opt.AppendAction = appendAction
			}
			mutation.SetHeaders = append(mutation.SetHeaders, opt)
		}
		resp.Response.HeaderMutation = mutation
	}
	if len(remove) > 0 {
		if resp.Response.HeaderMutation == nil {
			resp.Response.HeaderMutation = &core.HeaderMutation{}
		}
		resp.Response.HeaderMutation.RemoveHeaders = dedupe(remove)
	}
	if clearRouteCache {
		resp.Response.ClearRouteCache = true
	}
	return resp
}

// AddBodyMutation builds a BodyResponse. body and clearBody are mutually
// exclusive: if body is non-empty, it wins and clearBody is ignored (with a
// warning), matching the wire contract in spec.md §3.
func AddBodyMutation(body []byte, clearBody bool, clearRouteCache bool) *extprocv3.BodyResponse {
	resp := &extprocv3.BodyResponse{
		Response: &extprocv3.CommonResponse{},
	}
	if len(body) > 0 {
		resp.Response.BodyMutation = &extprocv3.BodyMutation{
			Mutation: &extprocv3.BodyMutation_Body{Body: body},
		}
		if clearBody {
			slog.Warn("body and clear_body are mutually exclusive; body takes precedence")
		}
	} else if clearBody {
		resp.Response.BodyMutation = &extprocv3.BodyMutation{
			Mutation: &extprocv3.BodyMutation_ClearBody{ClearBody: true},
		}
	}
	if clearRouteCache {
		resp.Response.ClearRouteCache = true
	}
	return resp
}

// HeaderImmediateResponse builds an ImmediateResponse that short-circuits the
// transaction with the given HTTP status and headers. Only legal as the
// result of a request-headers or request-body hook (spec.md §3).
func HeaderImmediateResponse(
	code typev3.StatusCode,
	headers []HeaderValue,
	appendAction core.HeaderValueOption_HeaderAppendAction,
) *extprocv3.ImmediateResponse {
	immediate := &extprocv3.ImmediateResponse{
		Status: &typev3.HttpStatus{Code: code},
	}
	if len(headers) > 0 {
		mutation := &core.HeaderMutation{}
		for _, kv := range headers {
			opt := &core.HeaderValueOption{
				Header: &core.HeaderValue{
					Key:      kv.Key,
					RawValue: []byte(kv.Value),
				},
			}
			if appendAction != core.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD {
				opt.AppendAction = appendAction
			}
			mutation.SetHeaders = append(mutation.SetHeaders, opt)
		}
		immediate.Headers = mutation
	}
	return immediate
}

// DenyCallout terminates the current RPC with a permission-denied status and
// the given human-readable message. This is the normal mechanism for
// authorization failure in ext-proc (spec.md §7); the caller must not send
// any further response on the stream after calling this.
func DenyCallout(ctx context.Context, msg string) error {
	if msg == "" {
		msg = "Callout DENIED."
	}
	slog.WarnContext(ctx, msg)
	return status.Error(codes.PermissionDenied, msg)
}

// HeadersContain reports whether headers contains key, optionally requiring
// an exact value match.
func HeadersContain(headers *extprocv3.HttpHeaders, key string, value *string) bool {
	if headers == nil || headers.Headers == nil {
		return false
	}
	for _, h := range headers.Headers.Headers {
		if h.Key != key {
			continue
		}
		if value == nil {
			return true
		}
		if h.Value == *value || string(h.RawValue) == *value {
			return true
		}
	}
	return false
}

// BodyContains reports whether body's payload contains substr.
func BodyContains(body *extprocv3.HttpBody, substr string) bool {
	if body == nil {
		return false
	}
	return bytes.Contains(body.Body, []byte(substr))
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// DynamicForwardingMetadataKey is the well-known metadata namespace Envoy's
// dynamic-forwarding filter reads routing overrides from.
const DynamicForwardingMetadataKey = "com.google.envoy.dynamic_forwarding"

// DynamicForwardingMetadata builds the struct Envoy's dynamic forwarding
// filter expects under DynamicForwardingMetadataKey, selecting a target
// upstream endpoint for the current request.
func DynamicForwardingMetadata(host string, port int32) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"host": structpb.NewStringValue(host),
		"port": structpb.NewNumberValue(float64(port)),
	}
	return &structpb.Struct{Fields: fields}
}

// WrapDynamicMetadata returns a new struct, for use as a ProcessingResponse's
// dynamic_metadata field, holding the fields of existing plus forwarding
// under DynamicForwardingMetadataKey. existing itself is not modified.
func WrapDynamicMetadata(existing *structpb.Struct, forwarding *structpb.Struct) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if existing != nil {
		for k, v := range existing.Fields {
			out.Fields[k] = v
		}
	}
	if forwarding != nil {
		out.Fields[DynamicForwardingMetadataKey] = structpb.NewStructValue(forwarding)
	}
	return out
}
