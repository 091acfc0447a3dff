// Package netaddr resolves the public network address of this process. It is
// used for the room affinity check between host and players.
package netaddr

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const DefaultEndpoint = "https://api.ipify.org?format=json"

// Resolver reports the public address of this process. ok is false when the
// address could not be determined.
type Resolver interface {
	Resolve(ctx context.Context) (addr string, ok bool)
}

// Static always returns the same address. An empty Static never resolves.
type Static string

func (s Static) Resolve(context.Context) (string, bool) {
	return string(s), s != ""
}

// HTTPResolver asks an ipify-compatible endpoint for the caller's address.
type HTTPResolver struct {
	Endpoint string
	Client   *http.Client
	Logger   *zap.Logger
}

func NewHTTPResolver(logger *zap.Logger) *HTTPResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPResolver{
		Endpoint: DefaultEndpoint,
		Client:   &http.Client{Timeout: 5 * time.Second},
		Logger:   logger,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context) (string, bool) {
	addr, err := r.lookup(ctx)
	if err != nil {
		r.logger().Warn("public address lookup failed", zap.Error(err))
		return "", false
	}
	return addr, true
}

func (r *HTTPResolver) lookup(ctx context.Context) (string, error) {
	endpoint := r.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}

	ip := gjson.GetBytes(body, "ip").String()
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid address %q", ip)
	}
	return ip, nil
}

func (r *HTTPResolver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
