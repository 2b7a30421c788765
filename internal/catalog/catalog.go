// Package catalog persists session records in a single JSON document under
// the project working directory. It is the durable source of truth that lets
// any session be resumed after a process restart.
package catalog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrExists is returned by Create when the slug is already taken.
var ErrExists = errors.New("session already exists")

const (
	dirName  = ".kml"
	fileName = "sessions.json"

	// excerptLen bounds the stored prompt excerpt.
	excerptLen = 51
)

// Record is one session's durable state. It is an open map so that fields
// written by other versions of the tool round-trip untouched; the typed
// accessors cover the fields this version understands.
type Record map[string]interface{}

// Conversation is one entry of a record's conversations list.
type Conversation struct {
	UUID              string `json:"uuid"`
	CreatedAt         string `json:"created_at"`
	LastPromptExcerpt string `json:"last_prompt_excerpt"`
}

func (r Record) str(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// Slug returns the session name. Populated by Find and All.
func (r Record) Slug() string { return r.str("slug") }

// SandboxID returns the provider sandbox id, or "" if none was created yet.
func (r Record) SandboxID() string { return r.str("sandbox_id") }

// AccessToken returns the 64-hex shared secret for the session URL.
func (r Record) AccessToken() string { return r.str("access_token") }

// TunnelID returns the edge tunnel id, or "".
func (r Record) TunnelID() string { return r.str("tunnel_id") }

// TunnelToken returns the tunnel connect credential, or "".
func (r Record) TunnelToken() string { return r.str("tunnel_token") }

// CreatedAt returns the RFC3339 creation timestamp.
func (r Record) CreatedAt() string { return r.str("created_at") }

// Conversations returns the decoded conversations list, oldest first.
func (r Record) Conversations() []Conversation {
	raw, ok := r["conversations"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]Conversation, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		c := Conversation{}
		if v, ok := m["uuid"].(string); ok {
			c.UUID = v
		}
		if v, ok := m["created_at"].(string); ok {
			c.CreatedAt = v
		}
		if v, ok := m["last_prompt_excerpt"].(string); ok {
			c.LastPromptExcerpt = v
		}
		out = append(out, c)
	}
	return out
}

// Catalog is a file-backed session index. It is not safe for concurrent
// writers; one orchestrator process per working directory is assumed.
type Catalog struct {
	root string
}

// New returns a catalog rooted at dir. The backing file is created on first
// write.
func New(dir string) *Catalog {
	return &Catalog{root: dir}
}

// Path returns the location of the backing file.
func (c *Catalog) Path() string {
	return filepath.Join(c.root, dirName, fileName)
}

// Create adds a new record for slug with a fresh access token and creation
// timestamp. Returns ErrExists if the slug is taken.
func (c *Catalog) Create(slug string) (Record, error) {
	doc := c.load()
	if _, ok := doc.Sessions[slug]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, slug)
	}

	token, err := newAccessToken()
	if err != nil {
		return nil, err
	}

	rec := Record{
		"access_token": token,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	}
	doc.Sessions[slug] = rec
	if err := c.save(doc); err != nil {
		return nil, err
	}

	out := cloneRecord(rec)
	out["slug"] = slug
	return out, nil
}

// Find returns the record for slug with the slug injected, or nil.
func (c *Catalog) Find(slug string) Record {
	doc := c.load()
	rec, ok := doc.Sessions[slug]
	if !ok {
		return nil
	}
	out := cloneRecord(rec)
	out["slug"] = slug
	return out
}

// Update merges partial into the record for slug. Missing slug is a no-op.
func (c *Catalog) Update(slug string, partial map[string]interface{}) error {
	doc := c.load()
	rec, ok := doc.Sessions[slug]
	if !ok {
		return nil
	}
	for k, v := range partial {
		rec[k] = v
	}
	return c.save(doc)
}

// Delete removes the record for slug.
func (c *Catalog) Delete(slug string) error {
	doc := c.load()
	if _, ok := doc.Sessions[slug]; !ok {
		return nil
	}
	delete(doc.Sessions, slug)
	return c.save(doc)
}

// AddConversation appends a conversation entry to the record for slug.
func (c *Catalog) AddConversation(slug, uuid, prompt string) error {
	doc := c.load()
	rec, ok := doc.Sessions[slug]
	if !ok {
		return nil
	}
	list, _ := rec["conversations"].([]interface{})
	list = append(list, map[string]interface{}{
		"uuid":                uuid,
		"created_at":          time.Now().UTC().Format(time.RFC3339),
		"last_prompt_excerpt": excerpt(prompt),
	})
	rec["conversations"] = list
	return c.save(doc)
}

// UpdateConversation replaces the prompt excerpt of an existing entry.
// Unknown uuid is a no-op.
func (c *Catalog) UpdateConversation(slug, uuid, prompt string) error {
	doc := c.load()
	rec, ok := doc.Sessions[slug]
	if !ok {
		return nil
	}
	list, _ := rec["conversations"].([]interface{})
	for _, e := range list {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if m["uuid"] == uuid {
			m["last_prompt_excerpt"] = excerpt(prompt)
			return c.save(doc)
		}
	}
	return nil
}

// All returns every record, keyed by slug, with slugs injected.
func (c *Catalog) All() map[string]Record {
	doc := c.load()
	out := make(map[string]Record, len(doc.Sessions))
	for slug, rec := range doc.Sessions {
		r := cloneRecord(rec)
		r["slug"] = slug
		out[slug] = r
	}
	return out
}

type document struct {
	Sessions map[string]Record `json:"sessions"`
}

// load reads the backing file. A missing or malformed file yields an empty
// catalog rather than an error.
func (c *Catalog) load() *document {
	doc := &document{Sessions: map[string]Record{}}
	data, err := os.ReadFile(c.Path())
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return &document{Sessions: map[string]Record{}}
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]Record{}
	}
	return doc
}

// save writes the whole document atomically, pretty-printed.
func (c *Catalog) save(doc *document) error {
	dir := filepath.Join(c.root, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, fileName+".*")
	if err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.Path()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}

func newAccessToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func excerpt(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > excerptLen {
		runes = runes[:excerptLen]
	}
	return string(runes)
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	return out
}
