package cloudflare

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"net/url"
)

// tunnelOriginService is where the in-sandbox tunnel daemon forwards
// traffic: the app process listening on the sandbox's HTTP port.
const tunnelOriginService = "http://localhost:3000"

type tunnel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateTunnel finds or creates the named tunnel, asserts its ingress
// configuration for hostname, and returns the tunnel id plus the connect
// token the in-sandbox daemon uses.
func (c *Client) CreateTunnel(ctx context.Context, name, hostname string) (tunnelID, token string, err error) {
	existing, err := c.findTunnelByName(ctx, name)
	if err != nil {
		return "", "", err
	}

	if existing != nil {
		tunnelID = existing.ID
	} else {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return "", "", fmt.Errorf("generate tunnel secret: %w", err)
		}

		body := map[string]interface{}{
			"name":          name,
			"tunnel_secret": base64.StdEncoding.EncodeToString(secret),
			"config_src":    "cloudflare",
		}
		var created tunnel
		if err := c.call(ctx, http.MethodPost, c.accountPath("/cfd_tunnel"), body, &created); err != nil {
			return "", "", fmt.Errorf("create tunnel %s: %w", name, err)
		}
		tunnelID = created.ID
	}

	// Re-assert the ingress config every time; it is cheap and makes the
	// call idempotent across partially-completed starts.
	config := map[string]interface{}{
		"config": map[string]interface{}{
			"ingress": []map[string]interface{}{
				{"hostname": hostname, "service": tunnelOriginService},
				{"service": "http_status:404"},
			},
		},
	}
	path := c.accountPath("/cfd_tunnel/" + tunnelID + "/configurations")
	if err := c.call(ctx, http.MethodPut, path, config, nil); err != nil {
		return "", "", fmt.Errorf("configure tunnel %s: %w", name, err)
	}

	if err := c.call(ctx, http.MethodGet, c.accountPath("/cfd_tunnel/"+tunnelID+"/token"), nil, &token); err != nil {
		return "", "", fmt.Errorf("fetch tunnel token: %w", err)
	}

	return tunnelID, token, nil
}

// DeleteTunnel tears down a tunnel: live connections first, then the tunnel
// itself. Both steps are tolerated on failure; teardown is best-effort.
func (c *Client) DeleteTunnel(ctx context.Context, tunnelID string) error {
	if err := c.call(ctx, http.MethodDelete, c.accountPath("/cfd_tunnel/"+tunnelID+"/connections"), nil, nil); err != nil {
		log.Printf("cloudflare: warning: delete tunnel connections %s: %v", tunnelID, err)
	}
	if err := c.call(ctx, http.MethodDelete, c.accountPath("/cfd_tunnel/"+tunnelID), nil, nil); err != nil {
		log.Printf("cloudflare: warning: delete tunnel %s: %v", tunnelID, err)
	}
	return nil
}

func (c *Client) findTunnelByName(ctx context.Context, name string) (*tunnel, error) {
	path := c.accountPath("/cfd_tunnel") + "?name=" + url.QueryEscape(name) + "&is_deleted=false"
	var tunnels []tunnel
	if err := c.call(ctx, http.MethodGet, path, nil, &tunnels); err != nil {
		return nil, fmt.Errorf("list tunnels: %w", err)
	}
	for i := range tunnels {
		if tunnels[i].Name == name {
			return &tunnels[i], nil
		}
	}
	return nil, nil
}
