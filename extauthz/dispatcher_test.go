package extauthz

import (
	"context"
	"errors"
	"testing"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Check_Allow(t *testing.T) {
	srv := NewServer(AllowAll)
	resp, err := srv.Check(context.Background(), &authv3.CheckRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp.GetOkResponse())
}

func TestServer_Check_Deny(t *testing.T) {
	srv := NewServer(AuthorizerFunc(func(context.Context, *authv3.CheckRequest) (*authv3.CheckResponse, error) {
		return DenyRequest(typev3.StatusCode_Forbidden, "blocked", nil), nil
	}))
	resp, err := srv.Check(context.Background(), &authv3.CheckRequest{})
	require.NoError(t, err)
	denied := resp.GetDeniedResponse()
	require.NotNil(t, denied)
	assert.Equal(t, typev3.StatusCode_Forbidden, denied.Status.Code)
	assert.Equal(t, "blocked", denied.Body)
}

func TestServer_Check_HookErrorBecomesInternalErrorDeny(t *testing.T) {
	srv := NewServer(AuthorizerFunc(func(context.Context, *authv3.CheckRequest) (*authv3.CheckResponse, error) {
		return nil, errors.New("boom")
	}))
	resp, err := srv.Check(context.Background(), &authv3.CheckRequest{})
	require.NoError(t, err)
	denied := resp.GetDeniedResponse()
	require.NotNil(t, denied)
	assert.Equal(t, typev3.StatusCode_InternalServerError, denied.Status.Code)
}

func TestServer_Check_NilAuthorizerDefaultsAllow(t *testing.T) {
	srv := NewServer(nil)
	resp, err := srv.Check(context.Background(), &authv3.CheckRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp.GetOkResponse())
}

func TestExtractHeader_MapStyle(t *testing.T) {
	req := &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Request: &authv3.AttributeContext_Request{
				Http: &authv3.AttributeContext_HttpRequest{
					Headers: map[string]string{"x-forwarded-for": "10.0.0.5"},
				},
			},
		},
	}
	v, ok := ExtractHeader(req, "X-Forwarded-For")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", v)
}

func TestExtractHeader_HeaderMapStyle(t *testing.T) {
	req := &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Request: &authv3.AttributeContext_Request{
				Http: &authv3.AttributeContext_HttpRequest{
					HeaderMap: &core.HeaderMap{
						Headers: []*core.HeaderValue{
							{Key: "x-forwarded-for", RawValue: []byte("10.0.0.6")},
						},
					},
				},
			},
		},
	}
	v, ok := ExtractHeader(req, "x-forwarded-for")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.6", v)
}

func TestExtractHeader_Missing(t *testing.T) {
	req := &authv3.CheckRequest{}
	_, ok := ExtractHeader(req, "x-missing")
	assert.False(t, ok)
}

func TestAllowRequest_WithHeaders(t *testing.T) {
	resp := AllowRequest([]HeaderValue{{Key: "x-decoded-sub", Value: "user1"}})
	ok := resp.GetOkResponse()
	require.NotNil(t, ok)
	require.Len(t, ok.Headers, 1)
	assert.Equal(t, "x-decoded-sub", ok.Headers[0].Header.Key)
}
