package query

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/collector/internal/core/domain"
)

// AgentQueryMethod is the full method name served by host agents.
const AgentQueryMethod = "/collector.agent.v1.Agent/Query"

// GRPCConfig configures the agent adapter.
type GRPCConfig struct {
	TLS bool `yaml:"tls"`
}

// GRPCAdapter queries a host agent over gRPC. Requests and responses are
// well-known structpb messages so no generated client is needed.
type GRPCAdapter struct {
	cfg   GRPCConfig
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCAdapter creates an adapter that keeps one connection per endpoint.
func NewGRPCAdapter(cfg GRPCConfig) *GRPCAdapter {
	return &GRPCAdapter{
		cfg:   cfg,
		conns: make(map[string]*grpc.ClientConn),
	}
}

// Query implements Adapter.
func (a *GRPCAdapter) Query(
	ctx context.Context,
	host *domain.Host,
	queryClass string,
	params map[string]string,
) ([]domain.Record, error) {
	conn, err := a.conn(host.Endpoint())
	if err != nil {
		return nil, domain.NewCollectionError(domain.CategoryConnection, host.Hostname, queryClass, err)
	}

	req, err := NewAgentRequest(queryClass, params)
	if err != nil {
		return nil, domain.NewCollectionError(domain.CategoryData, host.Hostname, queryClass, err)
	}

	resp := &structpb.ListValue{}
	if err := conn.Invoke(ctx, AgentQueryMethod, req, resp); err != nil {
		// status codes are mapped by the classifier
		return nil, fmt.Errorf("agent query %s on %s: %w", queryClass, host.Hostname, err)
	}
	return RecordsFromList(resp), nil
}

// Close closes all cached connections.
func (a *GRPCAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for endpoint, c := range a.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.conns, endpoint)
	}
	return firstErr
}

func (a *GRPCAdapter) conn(endpoint string) (*grpc.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.conns[endpoint]; ok {
		return c, nil
	}

	var opts []grpc.DialOption
	if a.cfg.TLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	c, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", endpoint, err)
	}
	a.conns[endpoint] = c
	return c, nil
}

// NewAgentRequest builds the request message sent to an agent.
func NewAgentRequest(queryClass string, params map[string]string) (*structpb.Struct, error) {
	p := make(map[string]any, len(params))
	for k, v := range params {
		p[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"query_class": queryClass,
		"parameters":  p,
	})
}

// RecordsFromList converts an agent response into records. Non-object
// entries are wrapped under the "value" key.
func RecordsFromList(list *structpb.ListValue) []domain.Record {
	records := make([]domain.Record, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		if s := v.GetStructValue(); s != nil {
			records = append(records, domain.Record(s.AsMap()))
			continue
		}
		records = append(records, domain.Record{"value": v.AsInterface()})
	}
	return records
}
