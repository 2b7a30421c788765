package cloudflare

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
)

type dnsRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
}

// EnsureTunnelDNS upserts the proxied CNAME that points hostname at the
// tunnel. Idempotent: an existing record with matching content is left
// alone, a mismatched one is patched.
func (c *Client) EnsureTunnelDNS(ctx context.Context, hostname, tunnelID string) error {
	content := tunnelID + ".cfargotunnel.com"

	records, err := c.listDNSRecords(ctx, "CNAME", hostname)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		body := map[string]interface{}{
			"type":    "CNAME",
			"name":    hostname,
			"content": content,
			"proxied": true,
			"ttl":     1,
		}
		if err := c.call(ctx, http.MethodPost, c.zonePath("/dns_records"), body, nil); err != nil {
			return fmt.Errorf("create DNS record %s: %w", hostname, err)
		}
		return nil
	}

	rec := records[0]
	if rec.Content == content && rec.Proxied {
		return nil
	}

	body := map[string]interface{}{
		"content": content,
		"proxied": true,
	}
	if err := c.call(ctx, http.MethodPatch, c.zonePath("/dns_records/"+rec.ID), body, nil); err != nil {
		return fmt.Errorf("update DNS record %s: %w", hostname, err)
	}
	return nil
}

// deleteDNSRecords removes every CNAME record for hostname. Failures are
// logged and swallowed; this only runs on teardown paths.
func (c *Client) deleteDNSRecords(ctx context.Context, hostname string) {
	records, err := c.listDNSRecords(ctx, "CNAME", hostname)
	if err != nil {
		log.Printf("cloudflare: warning: list DNS records for %s: %v", hostname, err)
		return
	}
	for _, rec := range records {
		if err := c.call(ctx, http.MethodDelete, c.zonePath("/dns_records/"+rec.ID), nil, nil); err != nil {
			log.Printf("cloudflare: warning: delete DNS record %s: %v", rec.ID, err)
		}
	}
}

func (c *Client) listDNSRecords(ctx context.Context, recordType, name string) ([]dnsRecord, error) {
	path := c.zonePath("/dns_records") + "?type=" + url.QueryEscape(recordType) + "&name=" + url.QueryEscape(name)
	var records []dnsRecord
	if err := c.call(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, fmt.Errorf("list DNS records: %w", err)
	}
	return records, nil
}
