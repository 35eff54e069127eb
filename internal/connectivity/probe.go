package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const probeTimeout = 5 * time.Second

// HTTPProber reports reachable when URL answers with any status below 500.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber returns an HTTPProber for url with a short timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: probeTimeout}}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	hc := p.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("connectivity: probe returned %s", resp.Status)
	}
	return nil
}

// GRPCProber checks a grpc.health.v1 endpoint. The connection is dialed lazily and reused.
type GRPCProber struct {
	addr    string
	service string

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewGRPCProber returns a prober for addr. service is the health service name; empty checks the server.
func NewGRPCProber(addr, service string) *GRPCProber {
	return &GRPCProber{addr: addr, service: service}
}

// Probe implements Prober. Anything but SERVING is an error.
func (p *GRPCProber) Probe(ctx context.Context) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("connectivity: health status %s", resp.GetStatus())
	}
	return nil
}

// Close releases the connection.
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *GRPCProber) connection() (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := grpc.NewClient(p.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("connectivity: dial %s: %w", p.addr, err)
	}
	p.conn = conn
	return conn, nil
}
