// Package extproc implements the Envoy ext_proc external-processing gRPC
// service: a bidirectional stream of ProcessingRequest/ProcessingResponse
// messages, dispatched phase-by-phase to a user-supplied Hooks
// implementation.
package extproc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/service-extensions/callout-sdk/internal/metrics"
	"github.com/service-extensions/callout-sdk/internal/tracing"
)

// Server adapts a Hooks implementation into an
// extprocv3.ExternalProcessorServer. One Server can be shared across every
// listener (secure and plaintext); it holds no per-stream state.
type Server struct {
	extprocv3.UnimplementedExternalProcessorServer

	Hooks Hooks
}

// NewServer builds a dispatcher around the given hook implementation.
func NewServer(hooks Hooks) *Server {
	return &Server{Hooks: hooks}
}

// Process implements the ext_proc bidi-streaming RPC. It loops receiving
// ProcessingRequest messages, dispatches each to the matching Hooks method
// by its oneof variant, and sends the resulting ProcessingResponse back,
// until the client closes the stream or an error terminates it.
func (s *Server) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := tracing.ExtractTraceContext(stream.Context())
	streamID := uuid.NewString()

	metrics.ExtProcActiveStreams.Inc()
	defer metrics.ExtProcActiveStreams.Dec()

	tracer := tracing.Tracer("extproc")
	ctx, span := tracer.Start(ctx, "extproc.stream", trace.WithAttributes(
		attribute.String("extproc.stream_id", streamID),
	))
	defer span.End()

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		default:
		}

		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
				return nil
			}
			return status.Errorf(codes.Unknown, "extproc: recv: %v", err)
		}

		resp, err := s.dispatch(ctx, req)
		if err != nil {
			return err
		}

		if err := stream.Send(resp); err != nil {
			return status.Errorf(codes.Unknown, "extproc: send: %v", err)
		}
	}
}

// dispatch routes a single ProcessingRequest to the matching hook and wraps
// the result in a ProcessingResponse envelope. An unrecognized or absent
// oneof variant produces an empty ProcessingResponse rather than crashing the
// stream or mutating anything.
func (s *Server) dispatch(ctx context.Context, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	phase := phaseName(req)
	ctx, span := tracing.Tracer("extproc").Start(ctx, "extproc."+phase)
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.ExtProcPhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}()

	result := "ok"
	defer func() {
		metrics.ExtProcRequestsTotal.WithLabelValues(phase, result).Inc()
	}()

	switch v := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		out, err := s.Hooks.OnRequestHeaders(ctx, v.RequestHeaders)
		if immediate, ok := asImmediateResponse(err); ok {
			result = "immediate"
			return immediateProcessingResponse(immediate), nil
		}
		if err != nil {
			result = "error"
			return nil, err
		}
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestHeaders{RequestHeaders: out},
		}, nil

	case *extprocv3.ProcessingRequest_ResponseHeaders:
		out, err := s.Hooks.OnResponseHeaders(ctx, v.ResponseHeaders)
		if immediate, ok := asImmediateResponse(err); ok {
			result = "immediate"
			return immediateProcessingResponse(immediate), nil
		}
		if err != nil {
			result = "error"
			return nil, err
		}
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseHeaders{ResponseHeaders: out},
		}, nil

	case *extprocv3.ProcessingRequest_RequestBody:
		metrics.ExtProcBodyBytesProcessed.WithLabelValues("request").Add(float64(len(v.RequestBody.Body)))
		out, err := s.Hooks.OnRequestBody(ctx, v.RequestBody)
		if immediate, ok := asImmediateResponse(err); ok {
			result = "immediate"
			return immediateProcessingResponse(immediate), nil
		}
		if err != nil {
			result = "error"
			return nil, err
		}
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestBody{RequestBody: out},
		}, nil

	case *extprocv3.ProcessingRequest_ResponseBody:
		metrics.ExtProcBodyBytesProcessed.WithLabelValues("response").Add(float64(len(v.ResponseBody.Body)))
		out, err := s.Hooks.OnResponseBody(ctx, v.ResponseBody)
		if immediate, ok := asImmediateResponse(err); ok {
			result = "immediate"
			return immediateProcessingResponse(immediate), nil
		}
		if err != nil {
			result = "error"
			return nil, err
		}
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseBody{ResponseBody: out},
		}, nil

	case *extprocv3.ProcessingRequest_RequestTrailers:
		out, err := s.Hooks.OnRequestTrailers(ctx, v.RequestTrailers)
		if err != nil {
			result = "error"
			return nil, err
		}
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestTrailers{RequestTrailers: out},
		}, nil

	case *extprocv3.ProcessingRequest_ResponseTrailers:
		out, err := s.Hooks.OnResponseTrailers(ctx, v.ResponseTrailers)
		if err != nil {
			result = "error"
			return nil, err
		}
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseTrailers{ResponseTrailers: out},
		}, nil

	default:
		result = "unknown"
		slog.WarnContext(ctx, "extproc: unrecognized or absent processing request variant, passing through unmodified")
		return &extprocv3.ProcessingResponse{}, nil
	}
}

func asImmediateResponse(err error) (*extprocv3.ImmediateResponse, bool) {
	var immediate *ImmediateResponseError
	if errors.As(err, &immediate) {
		return immediate.Response, true
	}
	return nil, false
}

func immediateProcessingResponse(resp *extprocv3.ImmediateResponse) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{ImmediateResponse: resp},
	}
}

func phaseName(req *extprocv3.ProcessingRequest) string {
	switch req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return "request_headers"
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return "response_headers"
	case *extprocv3.ProcessingRequest_RequestBody:
		return "request_body"
	case *extprocv3.ProcessingRequest_ResponseBody:
		return "response_body"
	case *extprocv3.ProcessingRequest_RequestTrailers:
		return "request_trailers"
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		return "response_trailers"
	default:
		return "unknown"
	}
}

var _ extprocv3.ExternalProcessorServer = (*Server)(nil)
