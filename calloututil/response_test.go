package calloututil

import (
	"context"
	"testing"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAddHeaderMutation(t *testing.T) {
	resp := AddHeaderMutation(
		[]HeaderValue{{Key: "x-added", Value: "1"}},
		[]string{"x-removed", "x-removed"},
		true,
		core.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
	)
	require.NotNil(t, resp.Response.HeaderMutation)
	require.Len(t, resp.Response.HeaderMutation.SetHeaders, 1)
	assert.Equal(t, "x-added", resp.Response.HeaderMutation.SetHeaders[0].Header.Key)
	assert.Equal(t, []byte("1"), resp.Response.HeaderMutation.SetHeaders[0].Header.RawValue)
	assert.Equal(t, []string{"x-removed"}, resp.Response.HeaderMutation.RemoveHeaders)
	assert.True(t, resp.Response.ClearRouteCache)
}

func TestAddBodyMutation_BodyWinsOverClear(t *testing.T) {
	resp := AddBodyMutation([]byte("payload"), true, false)
	mutation, ok := resp.Response.BodyMutation.Mutation.(*extprocv3.BodyMutation_Body)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), mutation.Body)
}

func TestAddBodyMutation_ClearOnly(t *testing.T) {
	resp := AddBodyMutation(nil, true, false)
	mutation, ok := resp.Response.BodyMutation.Mutation.(*extprocv3.BodyMutation_ClearBody)
	require.True(t, ok)
	assert.True(t, mutation.ClearBody)
}

func TestHeaderImmediateResponse(t *testing.T) {
	immediate := HeaderImmediateResponse(
		typev3.StatusCode_Forbidden,
		[]HeaderValue{{Key: "x-deny-reason", Value: "blocked"}},
		core.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD,
	)
	assert.Equal(t, typev3.StatusCode_Forbidden, immediate.Status.Code)
	require.Len(t, immediate.Headers.SetHeaders, 1)
	assert.Equal(t, "x-deny-reason", immediate.Headers.SetHeaders[0].Header.Key)
}

func TestDenyCallout(t *testing.T) {
	err := DenyCallout(context.Background(), "nope")
	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, s.Code())
	assert.Equal(t, "nope", s.Message())
}

func TestDenyCallout_DefaultMessage(t *testing.T) {
	err := DenyCallout(context.Background(), "")
	s, _ := status.FromError(err)
	assert.Equal(t, "Callout DENIED.", s.Message())
}

func TestHeadersContain(t *testing.T) {
	headers := &extprocv3.HttpHeaders{
		Headers: &core.HeaderMap{
			Headers: []*core.HeaderValue{
				{Key: "x-foo", Value: "bar"},
			},
		},
	}
	assert.True(t, HeadersContain(headers, "x-foo", nil))
	want := "bar"
	assert.True(t, HeadersContain(headers, "x-foo", &want))
	other := "baz"
	assert.False(t, HeadersContain(headers, "x-foo", &other))
	assert.False(t, HeadersContain(headers, "x-missing", nil))
	assert.False(t, HeadersContain(nil, "x-foo", nil))
}

func TestBodyContains(t *testing.T) {
	body := &extprocv3.HttpBody{Body: []byte("hello world")}
	assert.True(t, BodyContains(body, "world"))
	assert.False(t, BodyContains(body, "missing"))
	assert.False(t, BodyContains(nil, "world"))
}

func TestDynamicForwardingMetadata(t *testing.T) {
	forwarding := DynamicForwardingMetadata("10.0.0.5", 8080)
	wrapped := WrapDynamicMetadata(nil, forwarding)
	require.Contains(t, wrapped.Fields, DynamicForwardingMetadataKey)
	inner := wrapped.Fields[DynamicForwardingMetadataKey].GetStructValue()
	assert.Equal(t, "10.0.0.5", inner.Fields["host"].GetStringValue())
	assert.Equal(t, float64(8080), inner.Fields["port"].GetNumberValue())
}
