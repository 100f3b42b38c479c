package rpcclient

import (
	"context"
	"sync"
)

// FakeBackendClient is an in-memory BackendClient double for unit tests
// covering pkg/coordinator without a gRPC server on the other end.
type FakeBackendClient struct {
	mu sync.Mutex

	ExecErr   error
	ExecResp  *ExecQueryFInstancesResponse
	ExecCalls []*ExecQueryFInstancesRequest

	CancelErr   error
	CancelResp  *CancelQueryFInstancesResponse
	CancelCalls []*CancelQueryFInstancesRequest

	PublishErr   error
	PublishResp  *PublishFilterResponse
	PublishCalls []*PublishFilterRequest

	Closed bool
}

// NewFakeBackendClient returns a double that succeeds on every call
// unless the caller overrides its Err/Resp fields.
func NewFakeBackendClient() *FakeBackendClient {
	return &FakeBackendClient{
		ExecResp:    &ExecQueryFInstancesResponse{StatusOK: true},
		CancelResp:  &CancelQueryFInstancesResponse{StatusOK: true},
		PublishResp: &PublishFilterResponse{},
	}
}

func (f *FakeBackendClient) ExecQueryFInstances(ctx context.Context, req *ExecQueryFInstancesRequest) (*ExecQueryFInstancesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecCalls = append(f.ExecCalls, req)
	if f.ExecErr != nil {
		return nil, f.ExecErr
	}
	return f.ExecResp, nil
}

func (f *FakeBackendClient) CancelQueryFInstances(ctx context.Context, req *CancelQueryFInstancesRequest) (*CancelQueryFInstancesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls = append(f.CancelCalls, req)
	if f.CancelErr != nil {
		return nil, f.CancelErr
	}
	return f.CancelResp, nil
}

func (f *FakeBackendClient) PublishFilter(ctx context.Context, req *PublishFilterRequest) (*PublishFilterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PublishCalls = append(f.PublishCalls, req)
	if f.PublishErr != nil {
		return nil, f.PublishErr
	}
	return f.PublishResp, nil
}

func (f *FakeBackendClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func (f *FakeBackendClient) CallCounts() (exec, cancel, publish int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ExecCalls), len(f.CancelCalls), len(f.PublishCalls)
}
