package extauthz

import (
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
)

// HeaderValue is an ordered (key, value) pair added to an allow or deny
// response.
type HeaderValue struct {
	Key   string
	Value string
}

// AllowRequest builds a CheckResponse that permits the request to proceed,
// optionally forwarding additional headers upstream.
func AllowRequest(headersToAdd []HeaderValue) *authv3.CheckResponse {
	okResponse := &authv3.OkHttpResponse{}
	for _, kv := range headersToAdd {
		okResponse.Headers = append(okResponse.Headers, &core.HeaderValueOption{
			Header: &core.HeaderValue{Key: kv.Key, Value: kv.Value},
		})
	}
	return &authv3.CheckResponse{
		Status:       &status.Status{Code: 0},
		HttpResponse: &authv3.CheckResponse_OkResponse{OkResponse: okResponse},
	}
}

// DenyRequest builds a CheckResponse that rejects the request with the given
// HTTP status, optional body, and optional headers.
func DenyRequest(statusCode typev3.StatusCode, body string, headers []HeaderValue) *authv3.CheckResponse {
	if statusCode == typev3.StatusCode_Empty {
		statusCode = typev3.StatusCode_Forbidden
	}
	denied := &authv3.DeniedHttpResponse{
		Status: &typev3.HttpStatus{Code: statusCode},
	}
	if body != "" {
		denied.Body = body
	}
	for _, kv := range headers {
		denied.Headers = append(denied.Headers, &core.HeaderValueOption{
			Header: &core.HeaderValue{Key: kv.Key, Value: kv.Value},
		})
	}
	return &authv3.CheckResponse{
		Status:       &status.Status{Code: int32(codes.PermissionDenied)},
		HttpResponse: &authv3.CheckResponse_DeniedResponse{DeniedResponse: denied},
	}
}
