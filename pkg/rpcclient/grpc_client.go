package rpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/cuemby/meridian/pkg/security"
	"github.com/cuemby/meridian/pkg/types"
)

const (
	methodExecQueryFInstances   = "/meridian.BackendService/ExecQueryFInstances"
	methodCancelQueryFInstances = "/meridian.BackendService/CancelQueryFInstances"
	methodPublishFilter         = "/meridian.BackendService/PublishFilter"

	// callTimeout is not applied by the methods below: each RPC is
	// bounded only by the ctx its caller passes.
	callTimeout = 10 * time.Second
)

// grpcBackendClient issues RPCs against one backend host over a single
// cached *grpc.ClientConn, grounded on the teacher's connectWithMTLS
// dial pattern (cert+CA loaded via pkg/security, TLS 1.3 minimum).
type grpcBackendClient struct {
	host types.Host
	conn *grpc.ClientConn
}

func dialMTLS(addr, certDir string) (*grpc.ClientConn, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load backend client certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}

	creds := credentials.NewTLS(tlsConfig)
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial backend %s: %w", addr, err)
	}
	return conn, nil
}

func newGRPCBackendClient(host types.Host, certDir string) (*grpcBackendClient, error) {
	addr, err := host.Addr()
	if err != nil {
		return nil, err
	}
	conn, err := dialMTLS(addr.String(), certDir)
	if err != nil {
		return nil, err
	}
	return &grpcBackendClient{host: host, conn: conn}, nil
}

func (c *grpcBackendClient) ExecQueryFInstances(ctx context.Context, req *ExecQueryFInstancesRequest) (*ExecQueryFInstancesResponse, error) {
	req.SentAt = now()
	resp := &ExecQueryFInstancesResponse{}
	if err := c.conn.Invoke(ctx, methodExecQueryFInstances, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcBackendClient) CancelQueryFInstances(ctx context.Context, req *CancelQueryFInstancesRequest) (*CancelQueryFInstancesResponse, error) {
	resp := &CancelQueryFInstancesResponse{}
	if err := c.conn.Invoke(ctx, methodCancelQueryFInstances, req, resp); err != nil {
		// Instance-not-found on a backend that already finished is not an
		// error the caller needs to see (spec §6).
		if st, ok := status.FromError(err); ok && st.Code().String() == "NotFound" {
			return &CancelQueryFInstancesResponse{InstanceMissing: true}, nil
		}
		return nil, err
	}
	return resp, nil
}

func (c *grpcBackendClient) PublishFilter(ctx context.Context, req *PublishFilterRequest) (*PublishFilterResponse, error) {
	req.PublishedAt = now()
	resp := &PublishFilterResponse{}
	if err := c.conn.Invoke(ctx, methodPublishFilter, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcBackendClient) Close() error {
	return c.conn.Close()
}
