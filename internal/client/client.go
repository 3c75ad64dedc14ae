// Package client talks to a running controller: the control API over HTTP
// and readiness over the gRPC health service
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/controller"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Result is the decoded body of a toggle or reset call
type Result map[string]string

// OK reports whether every status field in r is SUCCESS
func (r Result) OK() bool {
	found := false
	for k, v := range r {
		if k == controller.KeyStatus || strings.HasSuffix(k, " "+controller.KeyStatus) {
			found = true
			if v != controller.StatusSuccess {
				return false
			}
		}
	}
	return found
}

// Client is a client for the controller
type Client struct {
	apiAddr    string
	healthAddr string
	httpClient *http.Client

	mutex sync.Mutex
	conn  *grpc.ClientConn
}

// New creates a client for the control API at apiAddr (a base URL) and the
// health service at healthAddr
func New(apiAddr, healthAddr string, timeout time.Duration) *Client {
	return &Client{
		apiAddr:    apiAddr,
		healthAddr: healthAddr,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Close closes the health connection if one was opened
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
		c.conn = nil
	}
	return nil
}

// TogglePath asks the controller to switch the live path
func (c *Client) TogglePath(ctx context.Context) (Result, error) {
	var res Result
	if err := c.do(ctx, http.MethodPost, "/toggle-path", &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Reset asks the controller to re-enable every port on both edge switches
func (c *Client) Reset(ctx context.Context) (Result, error) {
	var res Result
	if err := c.do(ctx, http.MethodPost, "/reset", &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Status fetches the controller state snapshot
func (c *Client) Status(ctx context.Context) (*controller.Status, error) {
	var st controller.Status
	if err := c.do(ctx, http.MethodGet, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	url := c.apiAddr + controller.APIPrefix + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	log.Debug().Str("method", method).Str("url", url).Msg("Calling control API")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

func (c *Client) healthClient() (healthpb.HealthClient, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		conn, err := grpc.NewClient(
			c.healthAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for health service at %s: %w", c.healthAddr, err)
		}
		c.conn = conn
	}
	return healthpb.NewHealthClient(c.conn), nil
}

// Ready reports whether the controller has every switch connected
func (c *Client) Ready(ctx context.Context) (bool, error) {
	hc, err := c.healthClient()
	if err != nil {
		return false, err
	}
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: controller.HealthService})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.Status == healthpb.HealthCheckResponse_SERVING, nil
}

// WaitReady polls the health service until the controller is ready or ctx
// ends
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ready, err := c.Ready(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Health check failed, retrying")
		} else if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("controller at %s not ready: %w", c.healthAddr, ctx.Err())
		case <-ticker.C:
		}
	}
}
