package cloudflare

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

// authWorkerScript is the per-session edge worker. It gates every request
// on the session access token, exchanging ?token= for a cookie, and passes
// authorized traffic through to the tunnel origin.
//
//go:embed worker.js
var authWorkerScript string

const workerMainModule = "worker.js"

// WorkerConfig describes a session's auth worker deployment.
type WorkerConfig struct {
	Name        string
	AccessToken string
	Hostname    string
	// Files are extra ES modules uploaded alongside the main script,
	// keyed by filename.
	Files map[string]string
	// Bindings are extra plain-text vars exposed to the worker.
	Bindings map[string]string
	// Injection, when set, is appended inside <body> of HTML responses.
	Injection string
}

type workerBinding struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// DeployWorker uploads the auth worker module with its bindings and routes
// hostname/* to it.
func (c *Client) DeployWorker(ctx context.Context, cfg WorkerConfig) error {
	bindings := []workerBinding{
		{Type: "secret_text", Name: "ACCESS_TOKEN", Text: cfg.AccessToken},
	}
	for name, value := range cfg.Bindings {
		bindings = append(bindings, workerBinding{Type: "plain_text", Name: name, Text: value})
	}
	if cfg.Injection != "" {
		bindings = append(bindings, workerBinding{Type: "plain_text", Name: "INJECT_HTML", Text: cfg.Injection})
	}

	metadata := map[string]interface{}{
		"main_module": workerMainModule,
		"bindings":    bindings,
	}

	body, contentType, err := workerUploadBody(metadata, authWorkerScript, cfg.Files)
	if err != nil {
		return err
	}

	data, err := c.do(ctx, http.MethodPut, c.accountPath("/workers/scripts/"+cfg.Name), body, contentType)
	if err != nil {
		return fmt.Errorf("upload worker %s: %w", cfg.Name, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("upload worker %s: cloudflare API error: %v", cfg.Name, env.Errors)
	}

	return c.ensureRoute(ctx, cfg.Hostname+"/*", cfg.Name)
}

// DeleteWorker is best-effort teardown of a session's edge resources:
// route, DNS records for the hostname, and the worker script. Every failure
// is logged and swallowed.
func (c *Client) DeleteWorker(ctx context.Context, name, hostname string) error {
	if err := c.deleteRoute(ctx, hostname+"/*"); err != nil {
		log.Printf("cloudflare: warning: delete route for %s: %v", hostname, err)
	}

	c.deleteDNSRecords(ctx, hostname)

	if err := c.call(ctx, http.MethodDelete, c.accountPath("/workers/scripts/"+name), nil, nil); err != nil {
		log.Printf("cloudflare: warning: delete worker %s: %v", name, err)
	}
	return nil
}

type workerRoute struct {
	ID      string `json:"id"`
	Pattern string `json:"pattern"`
	Script  string `json:"script"`
}

// ensureRoute upserts the zone route pattern -> script.
func (c *Client) ensureRoute(ctx context.Context, pattern, script string) error {
	var routes []workerRoute
	if err := c.call(ctx, http.MethodGet, c.zonePath("/workers/routes"), nil, &routes); err != nil {
		return fmt.Errorf("list routes: %w", err)
	}

	body := map[string]string{"pattern": pattern, "script": script}
	for _, r := range routes {
		if r.Pattern == pattern {
			if r.Script == script {
				return nil
			}
			if err := c.call(ctx, http.MethodPut, c.zonePath("/workers/routes/"+r.ID), body, nil); err != nil {
				return fmt.Errorf("update route %s: %w", pattern, err)
			}
			return nil
		}
	}

	if err := c.call(ctx, http.MethodPost, c.zonePath("/workers/routes"), body, nil); err != nil {
		return fmt.Errorf("create route %s: %w", pattern, err)
	}
	return nil
}

func (c *Client) deleteRoute(ctx context.Context, pattern string) error {
	var routes []workerRoute
	if err := c.call(ctx, http.MethodGet, c.zonePath("/workers/routes"), nil, &routes); err != nil {
		return fmt.Errorf("list routes: %w", err)
	}
	for _, r := range routes {
		if r.Pattern == pattern {
			return c.call(ctx, http.MethodDelete, c.zonePath("/workers/routes/"+r.ID), nil, nil)
		}
	}
	return nil
}

// workerUploadBody builds the multipart module upload: a JSON metadata part
// plus one ES module part per file.
func workerUploadBody(metadata interface{}, mainScript string, extra map[string]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, "", fmt.Errorf("marshal worker metadata: %w", err)
	}
	if err := writePart(w, "metadata", "", "application/json", metaJSON); err != nil {
		return nil, "", err
	}

	if err := writePart(w, workerMainModule, workerMainModule, "application/javascript+module", []byte(mainScript)); err != nil {
		return nil, "", err
	}
	for name, content := range extra {
		if err := writePart(w, name, name, "application/javascript+module", []byte(content)); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func writePart(w *multipart.Writer, field, filename, contentType string, content []byte) error {
	h := textproto.MIMEHeader{}
	disposition := fmt.Sprintf(`form-data; name=%q`, field)
	if filename != "" {
		disposition = fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename)
	}
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create multipart part %s: %w", field, err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write multipart part %s: %w", field, err)
	}
	return nil
}
