// Package viiper drives virtual Xbox 360 pads through a VIIPER server's TCP API.
package viiper

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Client is a minimal VIIPER API client covering bus and device management and
// device streams.
type Client struct{ t *transport }

// NewClient returns a client for the API at addr.
func NewClient(addr string, cfg TransportConfig) *Client {
	return &Client{t: &transport{addr: addr, cfg: cfg.withDefaults()}}
}

// Ping returns the identity and version of the server.
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	raw, err := c.t.do(ctx, "ping", nil, "")
	if err != nil {
		return nil, err
	}
	return parse[PingResponse](raw)
}

// BusList returns the ids of all virtual buses.
func (c *Client) BusList(ctx context.Context) (*BusListResponse, error) {
	raw, err := c.t.do(ctx, "bus/list", nil, "")
	if err != nil {
		return nil, err
	}
	return parse[BusListResponse](raw)
}

// BusCreate creates a bus with the given id.
func (c *Client) BusCreate(ctx context.Context, busID uint32) (*BusCreateResponse, error) {
	raw, err := c.t.do(ctx, "bus/create", nil, strconv.FormatUint(uint64(busID), 10))
	if err != nil {
		return nil, err
	}
	return parse[BusCreateResponse](raw)
}

// DeviceAdd plugs a device of devType into a bus.
func (c *Client) DeviceAdd(ctx context.Context, busID uint32, devType string) (*Device, error) {
	payload, err := json.Marshal(deviceCreateRequest{Type: devType})
	if err != nil {
		return nil, fmt.Errorf("marshal device create request: %w", err)
	}
	params := map[string]string{"id": strconv.FormatUint(uint64(busID), 10)}
	raw, err := c.t.do(ctx, "bus/{id}/add", params, string(payload))
	if err != nil {
		return nil, err
	}
	return parse[Device](raw)
}

// DeviceRemove unplugs a device and closes its stream on the server side.
func (c *Client) DeviceRemove(ctx context.Context, busID uint32, devID string) (*DeviceRemoveResponse, error) {
	params := map[string]string{"id": strconv.FormatUint(uint64(busID), 10)}
	raw, err := c.t.do(ctx, "bus/{id}/remove", params, devID)
	if err != nil {
		return nil, err
	}
	return parse[DeviceRemoveResponse](raw)
}
