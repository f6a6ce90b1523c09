// Package netproc implements Envoy's L4 network external-processing gRPC
// service: a bidirectional stream of read/write byte frames, dispatched to a
// user-supplied Hooks implementation.
package netproc

import (
	"context"
	"errors"
	"io"
	"log/slog"

	networkextprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/network_ext_proc/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/service-extensions/callout-sdk/internal/metrics"
	"github.com/service-extensions/callout-sdk/internal/tracing"
)

// Server adapts a Hooks implementation into a
// networkextprocv3.NetworkExternalProcessorServer.
type Server struct {
	networkextprocv3.UnimplementedNetworkExternalProcessorServer

	Hooks Hooks
}

// NewServer builds a dispatcher around the given hook implementation.
func NewServer(hooks Hooks) *Server {
	return &Server{Hooks: hooks}
}

// Process implements the L4 bidi-streaming RPC: it loops receiving frames,
// dispatches read_data to OnReadData and write_data to OnWriteData, and
// sends back the processed frame along with the connection-control
// decision.
func (s *Server) Process(stream networkextprocv3.NetworkExternalProcessor_ProcessServer) error {
	ctx := tracing.ExtractTraceContext(stream.Context())
	tracer := tracing.Tracer("netproc")
	ctx, span := tracer.Start(ctx, "netproc.stream")
	defer span.End()

	metrics.NetProcActiveSessions.Inc()
	defer metrics.NetProcActiveSessions.Dec()

	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
				return nil
			}
			return status.Errorf(codes.Unknown, "netproc: recv: %v", err)
		}

		resp, err := s.dispatch(ctx, req)
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}

		if err := stream.Send(resp); err != nil {
			return status.Errorf(codes.Unknown, "netproc: send: %v", err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *networkextprocv3.ProcessingRequest) (*networkextprocv3.ProcessingResponse, error) {
	resp := &networkextprocv3.ProcessingResponse{}

	switch v := req.RequestType.(type) {
	case *networkextprocv3.ProcessingRequest_ReadData:
		metrics.NetProcFramesTotal.WithLabelValues("read").Inc()
		result, err := s.Hooks.OnReadData(ctx, v.ReadData.GetData(), v.ReadData.GetEndOfStream())
		if err != nil {
			return nil, err
		}
		resp.ResponseType = &networkextprocv3.ProcessingResponse_ReadData{
			ReadData: &networkextprocv3.StreamData{
				Data:        result.Data,
				EndOfStream: v.ReadData.GetEndOfStream(),
			},
		}
		resp.DataProcessingStatus = processingStatus(result.Modified)
		resp.ConnectionStatus = connectionStatus(s.Hooks.ShouldCloseConnection(ctx, result.Data, result.Modified))
		return resp, nil

	case *networkextprocv3.ProcessingRequest_WriteData:
		metrics.NetProcFramesTotal.WithLabelValues("write").Inc()
		result, err := s.Hooks.OnWriteData(ctx, v.WriteData.GetData(), v.WriteData.GetEndOfStream())
		if err != nil {
			return nil, err
		}
		resp.ResponseType = &networkextprocv3.ProcessingResponse_WriteData{
			WriteData: &networkextprocv3.StreamData{
				Data:        result.Data,
				EndOfStream: v.WriteData.GetEndOfStream(),
			},
		}
		resp.DataProcessingStatus = processingStatus(result.Modified)
		resp.ConnectionStatus = connectionStatus(s.Hooks.ShouldCloseConnection(ctx, result.Data, result.Modified))
		return resp, nil

	default:
		slog.WarnContext(ctx, "netproc: received request with no data")
		return nil, nil
	}
}

func processingStatus(modified bool) networkextprocv3.ProcessingResponse_DataProcessingStatus {
	if modified {
		return networkextprocv3.ProcessingResponse_MODIFIED
	}
	return networkextprocv3.ProcessingResponse_UNMODIFIED
}

func connectionStatus(shouldClose bool) networkextprocv3.ProcessingResponse_ConnectionStatus {
	if shouldClose {
		return networkextprocv3.ProcessingResponse_CLOSE
	}
	return networkextprocv3.ProcessingResponse_CONTINUE
}

var _ networkextprocv3.NetworkExternalProcessorServer = (*Server)(nil)
