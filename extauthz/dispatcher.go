// Package extauthz implements the Envoy ext_authz external-authorization
// gRPC service: a unary Check RPC dispatched to a user-supplied Authorizer.
package extauthz

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"

	"github.com/service-extensions/callout-sdk/internal/metrics"
	"github.com/service-extensions/callout-sdk/internal/tracing"
)

// Server adapts an Authorizer into an authv3.AuthorizationServer.
type Server struct {
	authv3.UnimplementedAuthorizationServer

	Authorizer Authorizer
}

// NewServer builds a dispatcher around the given Authorizer. A nil
// Authorizer defaults to AllowAll.
func NewServer(authorizer Authorizer) *Server {
	if authorizer == nil {
		authorizer = AllowAll
	}
	return &Server{Authorizer: authorizer}
}

// Check implements the ext_authz Check unary RPC.
func (s *Server) Check(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	ctx = tracing.ExtractTraceContext(ctx)
	tracer := tracing.Tracer("extauthz")
	ctx, span := tracer.Start(ctx, "extauthz.check")
	defer span.End()

	start := time.Now()
	resp, err := s.Authorizer.OnCheck(ctx, req)
	metrics.ExtAuthzCheckDuration.Observe(time.Since(start).Seconds())

	result := "allow"
	if err != nil {
		result = "error"
		slog.ErrorContext(ctx, "extauthz: OnCheck failed, denying", "error", err, "stack", string(debug.Stack()))
		resp = DenyRequest(typev3.StatusCode_InternalServerError, "internal authorization error", nil)
	} else if resp.GetDeniedResponse() != nil {
		result = "deny"
	}
	metrics.ExtAuthzChecksTotal.WithLabelValues(result).Inc()

	return resp, nil
}

var _ authv3.AuthorizationServer = (*Server)(nil)
