package extproc

import (
	"context"
	"errors"
	"io"
	"testing"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/service-extensions/callout-sdk/calloututil"
)

type fakeStream struct {
	extprocv3.ExternalProcessor_ProcessServer
	ctx    context.Context
	recvs  []*extprocv3.ProcessingRequest
	idx    int
	sent   []*extprocv3.ProcessingResponse
	recvErr error
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Recv() (*extprocv3.ProcessingRequest, error) {
	if f.idx >= len(f.recvs) {
		if f.recvErr != nil {
			return nil, f.recvErr
		}
		return nil, io.EOF
	}
	req := f.recvs[f.idx]
	f.idx++
	return req, nil
}

func (f *fakeStream) Send(resp *extprocv3.ProcessingResponse) error {
	f.sent = append(f.sent, resp)
	return nil
}

type recordingHooks struct {
	BaseHooks
	denyMsg string
}

func (h recordingHooks) OnRequestHeaders(ctx context.Context, headers *extprocv3.HttpHeaders) (*extprocv3.HeadersResponse, error) {
	if h.denyMsg != "" {
		return nil, calloututil.DenyCallout(ctx, h.denyMsg)
	}
	return calloututil.AddHeaderMutation(
		[]calloututil.HeaderValue{{Key: "x-seen", Value: "1"}},
		nil, false, core.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
	), nil
}

type redirectingHooks struct {
	BaseHooks
}

func (redirectingHooks) OnRequestHeaders(context.Context, *extprocv3.HttpHeaders) (*extprocv3.HeadersResponse, error) {
	return nil, &ImmediateResponseError{
		Response: calloututil.HeaderImmediateResponse(
			typev3.StatusCode_MovedPermanently,
			[]calloututil.HeaderValue{{Key: "location", Value: "https://example.com"}},
			core.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
		),
	}
}

func TestServer_Process_HookImmediateResponse(t *testing.T) {
	srv := NewServer(redirectingHooks{})
	stream := &fakeStream{
		ctx: context.Background(),
		recvs: []*extprocv3.ProcessingRequest{
			{Request: &extprocv3.ProcessingRequest_RequestHeaders{
				RequestHeaders: &extprocv3.HttpHeaders{},
			}},
		},
	}
	err := srv.Process(stream)
	require.NoError(t, err)
	require.Len(t, stream.sent, 1)
	immediate := stream.sent[0].GetImmediateResponse()
	require.NotNil(t, immediate)
	assert.Equal(t, typev3.StatusCode_MovedPermanently, immediate.Status.Code)
}

func TestServer_Process_RequestHeaders(t *testing.T) {
	srv := NewServer(recordingHooks{})
	stream := &fakeStream{
		ctx: context.Background(),
		recvs: []*extprocv3.ProcessingRequest{
			{Request: &extprocv3.ProcessingRequest_RequestHeaders{
				RequestHeaders: &extprocv3.HttpHeaders{},
			}},
		},
	}
	err := srv.Process(stream)
	require.NoError(t, err)
	require.Len(t, stream.sent, 1)
	hdrs := stream.sent[0].GetRequestHeaders()
	require.NotNil(t, hdrs)
	require.Len(t, hdrs.Response.HeaderMutation.SetHeaders, 1)
	assert.Equal(t, "x-seen", hdrs.Response.HeaderMutation.SetHeaders[0].Header.Key)
}

func TestServer_Process_Deny(t *testing.T) {
	srv := NewServer(recordingHooks{denyMsg: "blocked"})
	stream := &fakeStream{
		ctx: context.Background(),
		recvs: []*extprocv3.ProcessingRequest{
			{Request: &extprocv3.ProcessingRequest_RequestHeaders{
				RequestHeaders: &extprocv3.HttpHeaders{},
			}},
		},
	}
	err := srv.Process(stream)
	require.Error(t, err)
	s, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, s.Code())
}

func TestServer_Process_MalformedVariant(t *testing.T) {
	srv := NewServer(BaseHooks{})
	stream := &fakeStream{
		ctx:   context.Background(),
		recvs: []*extprocv3.ProcessingRequest{{}},
	}
	err := srv.Process(stream)
	require.NoError(t, err)
	require.Len(t, stream.sent, 1)
	assert.Nil(t, stream.sent[0].GetImmediateResponse())
	assert.Nil(t, stream.sent[0].Response)
}

func TestServer_Process_EOFEndsCleanly(t *testing.T) {
	srv := NewServer(BaseHooks{})
	stream := &fakeStream{ctx: context.Background()}
	err := srv.Process(stream)
	assert.NoError(t, err)
}

func TestServer_Process_CanceledEndsCleanly(t *testing.T) {
	srv := NewServer(BaseHooks{})
	stream := &fakeStream{ctx: context.Background(), recvErr: errors.New("boom")}
	stream.recvErr = status.Error(codes.Canceled, "canceled")
	err := srv.Process(stream)
	assert.NoError(t, err)
}

func TestServer_Process_OrderingPreserved(t *testing.T) {
	srv := NewServer(BaseHooks{})
	stream := &fakeStream{
		ctx: context.Background(),
		recvs: []*extprocv3.ProcessingRequest{
			{Request: &extprocv3.ProcessingRequest_RequestHeaders{RequestHeaders: &extprocv3.HttpHeaders{}}},
			{Request: &extprocv3.ProcessingRequest_RequestBody{RequestBody: &extprocv3.HttpBody{}}},
		},
	}
	err := srv.Process(stream)
	require.NoError(t, err)
	require.Len(t, stream.sent, 2)
	assert.NotNil(t, stream.sent[0].GetRequestHeaders())
	assert.NotNil(t, stream.sent[1].GetRequestBody())
}
