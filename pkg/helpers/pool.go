package helpers

import (
	"context"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/infra"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

const defaultHealthInterval = 15 * time.Second

// NodeStatus is the admin view of one helper node.
type NodeStatus struct {
	Name     string             `json:"name"`
	BaseURL  string             `json:"base_url"`
	Fallback string             `json:"fallback"`
	Healthy  bool               `json:"healthy"`
	Breaker  infra.BreakerStats `json:"breaker"`
}

// Pool owns the configured helper nodes and keeps their health current.
// Selection is first healthy node in configuration order.
type Pool struct {
	log      logging.Logger
	clients  []*Client
	interval time.Duration
}

// NewPool wraps the given clients. Order is preference order.
func NewPool(log logging.Logger, clients []*Client, interval time.Duration) *Pool {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &Pool{log: log, clients: clients, interval: interval}
}

// Empty reports whether any helper nodes are configured.
func (p *Pool) Empty() bool { return len(p.clients) == 0 }

// Run sweeps node health until ctx is cancelled. The first sweep is
// immediate so startup selection has real data.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.clients) == 0 {
		<-ctx.Done()
		return nil
	}
	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	for _, client := range p.clients {
		client.HealthCheck(ctx)
	}
}

// Pick returns the first node that is healthy and whose breaker is not
// open.
func (p *Pool) Pick() (*Client, bool) {
	for _, client := range p.clients {
		if client.Healthy() && client.breaker.State() != infra.StateOpen {
			return client, true
		}
	}
	return nil, false
}

// Embed runs on the first available node.
func (p *Pool) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	node, ok := p.Pick()
	if !ok {
		return nil, p.noneAvailable()
	}
	return node.Embed(ctx, texts)
}

// Rerank runs on the first available node.
func (p *Pool) Rerank(ctx context.Context, query string, docs []string, topN int) ([]RankedDoc, error) {
	node, ok := p.Pick()
	if !ok {
		return nil, p.noneAvailable()
	}
	return node.Rerank(ctx, query, docs, topN)
}

// noneAvailable shapes the no-node error. With nodes configured the
// first node's fallback directive governs, since config order is
// preference order.
func (p *Pool) noneAvailable() error {
	if len(p.clients) == 0 {
		return ErrNoHealthyNodes
	}
	first := p.clients[0]
	return &ErrHelperDown{Node: first.name, Fallback: first.fallback, Err: ErrNoHealthyNodes}
}

// Statuses returns the admin view in configuration order.
func (p *Pool) Statuses() []NodeStatus {
	out := make([]NodeStatus, 0, len(p.clients))
	for _, client := range p.clients {
		out = append(out, NodeStatus{
			Name:     client.name,
			BaseURL:  client.baseURL,
			Fallback: client.fallback,
			Healthy:  client.Healthy(),
			Breaker:  client.breaker.Stats(),
		})
	}
	return out
}

// Close releases all node connections.
func (p *Pool) Close() {
	for _, client := range p.clients {
		client.Close()
	}
}
