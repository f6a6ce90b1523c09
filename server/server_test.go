package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestNew_PlaintextOnlyWhenNoCredentials(t *testing.T) {
	srv, err := New(Options{
		SecureAddress:       freeAddr(t),
		PlaintextAddress:    freeAddr(t),
		HealthCheckAddress:  freeAddr(t),
		CombinedHealthCheck: true,
	}, func(*grpc.Server) {})
	require.NoError(t, err)
	assert.Nil(t, srv.creds)
	assert.Equal(t, StateCreated, srv.CurrentState())
}

func TestNew_RejectsIncompleteCredentials(t *testing.T) {
	dir := t.TempDir()
	chainPath := filepath.Join(dir, "chain.pem")
	require.NoError(t, os.WriteFile(chainPath, []byte("not-really-a-cert"), 0o600))

	_, err := New(Options{
		SecureAddress:    freeAddr(t),
		PlaintextAddress: freeAddr(t),
		CertChainPath:    chainPath,
		// No PrivateKeyPath: a readable chain without a matching key is a
		// genuine misconfiguration, not a missing-file degrade case.
	}, func(*grpc.Server) {})
	assert.Error(t, err)
}

func TestNew_DegradesToPlaintextOnUnreadableCredentials(t *testing.T) {
	srv, err := New(Options{
		SecureAddress:    freeAddr(t),
		PlaintextAddress: freeAddr(t),
		CertChainPath:    "/nonexistent/chain.pem",
		PrivateKeyPath:   "/nonexistent/key.pem",
	}, func(*grpc.Server) {})
	require.NoError(t, err)
	assert.Nil(t, srv.creds)
}

func TestNew_FailsWhenNoListenerCanBind(t *testing.T) {
	_, err := New(Options{
		SecureAddress:    freeAddr(t),
		CertChainPath:    "/nonexistent/chain.pem",
		PrivateKeyPath:   "/nonexistent/key.pem",
		DisablePlaintext: true,
	}, func(*grpc.Server) {})
	assert.Error(t, err)
}

func TestNew_FailsWhenSecureHealthCheckHasNoCredentials(t *testing.T) {
	_, err := New(Options{
		SecureAddress:      freeAddr(t),
		PlaintextAddress:   freeAddr(t),
		HealthCheckAddress: freeAddr(t),
		SecureHealthCheck:  true,
	}, func(*grpc.Server) {})
	assert.Error(t, err)
}

func TestRunSingleProcess_ServesAndShutsDownOnContextCancel(t *testing.T) {
	registered := false
	srv, err := New(Options{
		SecureAddress:       freeAddr(t),
		PlaintextAddress:    freeAddr(t),
		HealthCheckAddress:  freeAddr(t),
		CombinedHealthCheck: true,
		GraceTimeout:        time.Second,
	}, func(s *grpc.Server) { registered = true })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.RunSingleProcess(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateServing, srv.CurrentState())
	assert.True(t, registered)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunSingleProcess did not return after context cancellation")
	}
	assert.Equal(t, StateClosed, srv.CurrentState())
}

func TestShutdown_IsIdempotent(t *testing.T) {
	srv, err := New(Options{
		SecureAddress:       freeAddr(t),
		PlaintextAddress:    freeAddr(t),
		HealthCheckAddress:  freeAddr(t),
		CombinedHealthCheck: true,
		GraceTimeout:        time.Second,
	}, func(*grpc.Server) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.RunSingleProcess(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(100 * time.Millisecond)

	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestRunSingleProcess_RejectsDoubleStart(t *testing.T) {
	srv, err := New(Options{
		SecureAddress:       freeAddr(t),
		PlaintextAddress:    freeAddr(t),
		HealthCheckAddress:  freeAddr(t),
		CombinedHealthCheck: true,
	}, func(*grpc.Server) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.RunSingleProcess(ctx) }()
	time.Sleep(50 * time.Millisecond)

	err = srv.RunSingleProcess(context.Background())
	assert.Error(t, err)
}
