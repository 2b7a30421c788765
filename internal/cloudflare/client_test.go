package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testClient(srv *httptest.Server) *Client {
	c := NewClient("token", "acct", "zone")
	c.baseURL = srv.URL
	return c
}

func ok(w http.ResponseWriter, result interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"errors":  []interface{}{},
		"result":  result,
	})
}

func TestCreateTunnel_New(t *testing.T) {
	var createBody map[string]interface{}
	var configBody map[string]interface{}

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/acct/cfd_tunnel", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			ok(w, []interface{}{})
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &createBody)
			ok(w, map[string]string{"id": "tun-1", "name": "kml-demo-test-run"})
		}
	})
	mux.HandleFunc("/accounts/acct/cfd_tunnel/tun-1/configurations", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &configBody)
		ok(w, map[string]string{})
	})
	mux.HandleFunc("/accounts/acct/cfd_tunnel/tun-1/token", func(w http.ResponseWriter, r *http.Request) {
		ok(w, "connect-token")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(srv)
	id, token, err := c.CreateTunnel(context.Background(), "kml-demo-test-run", "test-run.example.com")
	if err != nil {
		t.Fatalf("CreateTunnel() error: %v", err)
	}
	if id != "tun-1" || token != "connect-token" {
		t.Errorf("unexpected id/token: %s / %s", id, token)
	}

	if createBody["name"] != "kml-demo-test-run" {
		t.Errorf("unexpected create body: %v", createBody)
	}
	if createBody["config_src"] != "cloudflare" {
		t.Errorf("expected cloudflare-managed config, got %v", createBody["config_src"])
	}
	if secret, _ := createBody["tunnel_secret"].(string); len(secret) < 40 {
		t.Errorf("tunnel_secret missing or too short: %q", secret)
	}

	config := configBody["config"].(map[string]interface{})
	ingress := config["ingress"].([]interface{})
	if len(ingress) != 2 {
		t.Fatalf("expected 2 ingress rules, got %d", len(ingress))
	}
	first := ingress[0].(map[string]interface{})
	if first["hostname"] != "test-run.example.com" || first["service"] != "http://localhost:3000" {
		t.Errorf("unexpected first ingress rule: %v", first)
	}
	last := ingress[1].(map[string]interface{})
	if last["service"] != "http_status:404" {
		t.Errorf("unexpected catch-all rule: %v", last)
	}
}

func TestCreateTunnel_ReusesExisting(t *testing.T) {
	created := false
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/acct/cfd_tunnel", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			ok(w, []interface{}{map[string]string{"id": "tun-9", "name": "kml-demo-s"}})
		case http.MethodPost:
			created = true
			ok(w, map[string]string{"id": "tun-new"})
		}
	})
	mux.HandleFunc("/accounts/acct/cfd_tunnel/tun-9/configurations", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]string{})
	})
	mux.HandleFunc("/accounts/acct/cfd_tunnel/tun-9/token", func(w http.ResponseWriter, r *http.Request) {
		ok(w, "tok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(srv)
	id, _, err := c.CreateTunnel(context.Background(), "kml-demo-s", "s.example.com")
	if err != nil {
		t.Fatalf("CreateTunnel() error: %v", err)
	}
	if id != "tun-9" {
		t.Errorf("expected existing tunnel tun-9, got %s", id)
	}
	if created {
		t.Error("should not create a tunnel when one exists")
	}
}

func TestEnsureTunnelDNS_Idempotent(t *testing.T) {
	var records []dnsRecord
	var creates, patches int

	mux := http.NewServeMux()
	mux.HandleFunc("/zones/zone/dns_records", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			ok(w, records)
		case http.MethodPost:
			creates++
			var body dnsRecord
			data, _ := io.ReadAll(r.Body)
			json.Unmarshal(data, &body)
			body.ID = "rec-1"
			records = append(records, body)
			ok(w, body)
		}
	})
	mux.HandleFunc("/zones/zone/dns_records/rec-1", func(w http.ResponseWriter, r *http.Request) {
		patches++
		var body map[string]interface{}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		records[0].Content = body["content"].(string)
		records[0].Proxied = true
		ok(w, records[0])
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(srv)
	ctx := context.Background()

	if err := c.EnsureTunnelDNS(ctx, "s.example.com", "tun-1"); err != nil {
		t.Fatalf("EnsureTunnelDNS() error: %v", err)
	}
	if creates != 1 {
		t.Fatalf("expected 1 create, got %d", creates)
	}
	if records[0].Content != "tun-1.cfargotunnel.com" {
		t.Errorf("unexpected content %q", records[0].Content)
	}

	// Second run with matching content is a no-op.
	if err := c.EnsureTunnelDNS(ctx, "s.example.com", "tun-1"); err != nil {
		t.Fatalf("EnsureTunnelDNS() error: %v", err)
	}
	if creates != 1 || patches != 0 {
		t.Errorf("expected no-op on repeat, got creates=%d patches=%d", creates, patches)
	}

	// A different tunnel id replaces the content.
	if err := c.EnsureTunnelDNS(ctx, "s.example.com", "tun-2"); err != nil {
		t.Fatalf("EnsureTunnelDNS() error: %v", err)
	}
	if patches != 1 {
		t.Errorf("expected 1 patch, got %d", patches)
	}
	if records[0].Content != "tun-2.cfargotunnel.com" {
		t.Errorf("unexpected content %q", records[0].Content)
	}
}

func TestDeployWorker_UploadsModuleAndRoute(t *testing.T) {
	var metadata map[string]interface{}
	var scriptBody string
	var routeBody map[string]string

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/acct/workers/scripts/kml-demo-s", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(4 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		json.Unmarshal([]byte(r.FormValue("metadata")), &metadata)
		f, _, err := r.FormFile("worker.js")
		if err != nil {
			t.Fatalf("worker.js part: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		scriptBody = string(data)
		ok(w, map[string]string{"id": "kml-demo-s"})
	})
	mux.HandleFunc("/zones/zone/workers/routes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			ok(w, []interface{}{})
		case http.MethodPost:
			data, _ := io.ReadAll(r.Body)
			json.Unmarshal(data, &routeBody)
			ok(w, map[string]string{"id": "route-1"})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(srv)
	err := c.DeployWorker(context.Background(), WorkerConfig{
		Name:        "kml-demo-s",
		AccessToken: strings.Repeat("a", 64),
		Hostname:    "s.example.com",
		Bindings:    map[string]string{"EXTRA": "1"},
	})
	if err != nil {
		t.Fatalf("DeployWorker() error: %v", err)
	}

	if metadata["main_module"] != "worker.js" {
		t.Errorf("unexpected main_module: %v", metadata["main_module"])
	}
	bindings := metadata["bindings"].([]interface{})
	var sawSecret, sawExtra bool
	for _, b := range bindings {
		m := b.(map[string]interface{})
		if m["name"] == "ACCESS_TOKEN" {
			sawSecret = m["type"] == "secret_text" && m["text"] == strings.Repeat("a", 64)
		}
		if m["name"] == "EXTRA" {
			sawExtra = m["type"] == "plain_text"
		}
	}
	if !sawSecret {
		t.Error("ACCESS_TOKEN secret binding missing or wrong")
	}
	if !sawExtra {
		t.Error("extra plain_text binding missing")
	}

	if !strings.Contains(scriptBody, "kml_token") {
		t.Error("uploaded script does not look like the auth worker")
	}

	if routeBody["pattern"] != "s.example.com/*" || routeBody["script"] != "kml-demo-s" {
		t.Errorf("unexpected route: %v", routeBody)
	}
}

func TestDeleteWorker_SwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Everything fails; DeleteWorker must still succeed.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"errors":  []map[string]interface{}{{"code": 10007, "message": "not found"}},
		})
	}))
	defer srv.Close()

	c := testClient(srv)
	if err := c.DeleteWorker(context.Background(), "kml-demo-s", "s.example.com"); err != nil {
		t.Errorf("DeleteWorker() should swallow errors, got %v", err)
	}
}

func TestCall_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"errors":  []map[string]interface{}{{"code": 1003, "message": "Invalid zone identifier"}},
		})
	}))
	defer srv.Close()

	c := testClient(srv)
	err := c.EnsureTunnelDNS(context.Background(), "h", "t")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Invalid zone identifier") {
		t.Errorf("error should carry the API message, got %v", err)
	}
}

func TestWorkerUploadBody_ExtraModules(t *testing.T) {
	body, contentType, err := workerUploadBody(
		map[string]interface{}{"main_module": "worker.js"},
		"export default {};",
		map[string]string{"helper.js": "export const x = 1;"},
	)
	if err != nil {
		t.Fatalf("workerUploadBody() error: %v", err)
	}
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		t.Errorf("unexpected content type %s", contentType)
	}
	s := body.String()
	for _, want := range []string{"application/javascript+module", "helper.js", "export const x = 1;", fmt.Sprintf("name=%q", "metadata")} {
		if !strings.Contains(s, want) {
			t.Errorf("multipart body missing %q", want)
		}
	}
}
