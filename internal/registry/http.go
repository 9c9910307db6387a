package registry

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danieljhkim/cairn/internal/errs"
)

// UserAgent is sent with every request.
const UserAgent = "cairn"

// HTTPClient is a Client for registries that serve a sparse index over
// HTTP.
type HTTPClient struct {
	// Index is the index base URL. A "sparse+" prefix is accepted.
	Index string
	// API is the upload base URL. When empty it is read from the index's
	// config.json, falling back to the index URL.
	API  string
	HTTP *http.Client

	once   sync.Once
	apiURL string
	apiErr error
}

// NewHTTPClient creates a client for the index at url.
func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{Index: url, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (c *HTTPClient) indexBase() string {
	return strings.TrimSuffix(strings.TrimPrefix(c.Index, "sparse+"), "/")
}

// Published implements Client. A missing index file means the package has
// no visible versions yet.
func (c *HTTPClient) Published(ctx context.Context, name, version string) (bool, error) {
	url := c.indexBase() + "/" + IndexPath(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", UserAgent)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, errs.Wrap(err, errs.KindNetwork, "failed to query index %s", c.indexBase())
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, errs.New(errs.KindNetwork, "index %s returned %s for %s", c.indexBase(), resp.Status, name)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return false, errs.Wrap(err, errs.KindNetwork, "failed to read index entry for %s", name)
	}
	entries, err := ParseIndex(body)
	if err != nil {
		return false, errs.Wrap(err, errs.KindNetwork, "invalid index entry for %s", name)
	}
	return HasVersion(entries, version), nil
}

// Upload implements Client. The body is the metadata JSON and the archive,
// each preceded by its length as a little-endian uint32.
func (c *HTTPClient) Upload(ctx context.Context, meta Metadata, archive []byte, token string) error {
	if token == "" {
		return errs.New(errs.KindAuth, "no token found, please pass `--token` or set it in credentials.toml")
	}
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	body, err := EncodeUpload(meta, archive)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, api+"/api/v1/packages/new", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errs.Wrap(err, errs.KindNetwork, "failed to upload %s@%s", meta.Name, meta.Vers)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	detail := responseDetail(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New(errs.KindAuth, "registry rejected the token (%s)%s", resp.Status, detail)
	case resp.StatusCode >= 500:
		return errs.New(errs.KindNetwork, "registry failed to accept %s@%s (%s)%s", meta.Name, meta.Vers, resp.Status, detail)
	case resp.StatusCode >= 300:
		return errs.New(errs.KindPublishRejected, "registry rejected %s@%s (%s)%s", meta.Name, meta.Vers, resp.Status, detail)
	}
	return nil
}

// api resolves the upload URL once.
func (c *HTTPClient) api(ctx context.Context) (string, error) {
	c.once.Do(func() {
		if c.API != "" {
			c.apiURL = strings.TrimSuffix(c.API, "/")
			return
		}
		c.apiURL, c.apiErr = c.discoverAPI(ctx)
	})
	return c.apiURL, c.apiErr
}

func (c *HTTPClient) discoverAPI(ctx context.Context) (string, error) {
	base := c.indexBase()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/config.json", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", UserAgent)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", errs.Wrap(err, errs.KindNetwork, "failed to read %s/config.json", base)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return base, nil
	}
	var cfg struct {
		API string `json:"api"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&cfg); err != nil || cfg.API == "" {
		return base, nil
	}
	return strings.TrimSuffix(cfg.API, "/"), nil
}

// EncodeUpload frames an upload body.
func EncodeUpload(meta Metadata, archive []byte) ([]byte, error) {
	js, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(8 + len(js) + len(archive))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(js)))
	buf.Write(js)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(archive)))
	buf.Write(archive)
	return buf.Bytes(), nil
}

// DecodeUpload splits an upload body into its metadata and archive.
func DecodeUpload(body []byte) (Metadata, []byte, error) {
	var meta Metadata
	js, rest, err := frame(body)
	if err != nil {
		return meta, nil, err
	}
	if err := json.Unmarshal(js, &meta); err != nil {
		return meta, nil, fmt.Errorf("invalid metadata: %w", err)
	}
	archive, rest, err := frame(rest)
	if err != nil {
		return meta, nil, err
	}
	if len(rest) != 0 {
		return meta, nil, fmt.Errorf("%d trailing bytes after archive", len(rest))
	}
	return meta, archive, nil
}

func frame(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated upload body")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, fmt.Errorf("truncated upload body")
	}
	return b[:n], b[n:], nil
}

// responseDetail extracts the registry's error messages, if any.
func responseDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Errors []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if json.Unmarshal(data, &payload) != nil || len(payload.Errors) == 0 {
		return ""
	}
	details := make([]string, len(payload.Errors))
	for i, e := range payload.Errors {
		details[i] = e.Detail
	}
	return ": " + strings.Join(details, "; ")
}
