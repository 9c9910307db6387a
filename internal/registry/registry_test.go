package registry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/danieljhkim/cairn/internal/config"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/workspace"
)

func TestIndexPath(t *testing.T) {
	for name, want := range map[string]string{
		"a":     "1/a",
		"ab":    "2/ab",
		"abc":   "3/a/abc",
		"core":  "co/re/core",
		"Serde": "se/rd/serde",
	} {
		if got := IndexPath(name); got != want {
			t.Errorf("IndexPath(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestParseIndex(t *testing.T) {
	data := []byte(`{"name":"core","vers":"0.1.0","cksum":"aa"}` + "\n\n" +
		`{"name":"core","vers":"0.2.0","cksum":"bb","yanked":true}` + "\n")
	entries, err := ParseIndex(data)
	if err != nil {
		t.Fatalf("ParseIndex failed: %v", err)
	}
	if len(entries) != 2 || !entries[1].Yanked {
		t.Fatalf("entries = %+v", entries)
	}
	if !HasVersion(entries, "0.2.0") || HasVersion(entries, "0.3.0") {
		t.Error("HasVersion mismatch")
	}
	if _, err := ParseIndex([]byte("not json\n")); err == nil {
		t.Error("expected an error for a malformed line")
	}
}

func TestUploadFraming(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		meta := Metadata{
			Name: rapid.StringMatching(`[a-z][a-z0-9_-]{0,12}`).Draw(t, "name"),
			Vers: rapid.StringMatching(`[0-9]\.[0-9]\.[0-9]`).Draw(t, "vers"),
		}
		archive := rapid.SliceOf(rapid.Byte()).Draw(t, "archive")

		body, err := EncodeUpload(meta, archive)
		if err != nil {
			t.Fatal(err)
		}
		gotMeta, gotArchive, err := DecodeUpload(body)
		if err != nil {
			t.Fatalf("DecodeUpload: %v", err)
		}
		if gotMeta.Name != meta.Name || gotMeta.Vers != meta.Vers {
			t.Fatalf("meta = %+v", gotMeta)
		}
		if !slices.Equal(gotArchive, archive) && !(len(gotArchive) == 0 && len(archive) == 0) {
			t.Fatalf("archive mismatch")
		}
	})
}

func TestDecodeUpload_Truncated(t *testing.T) {
	body, _ := EncodeUpload(Metadata{Name: "core"}, []byte("archive"))
	if _, _, err := DecodeUpload(body[:len(body)-1]); err == nil {
		t.Error("expected an error for a truncated body")
	}
}

// fakeRegistry serves a sparse index and the upload endpoint.
type fakeRegistry struct {
	status  int
	body    string
	token   string
	uploads [][]byte
	index   map[string]string
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/config.json":
		http.NotFound(w, r)
	case r.Method == http.MethodGet:
		body, ok := f.index[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	case r.Method == http.MethodPut && r.URL.Path == "/api/v1/packages/new":
		f.token = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		f.uploads = append(f.uploads, data)
		if f.status != 0 {
			w.WriteHeader(f.status)
		}
		_, _ = io.WriteString(w, f.body)
	default:
		http.Error(w, "unexpected request", http.StatusTeapot)
	}
}

func TestHTTPClient_Published(t *testing.T) {
	reg := &fakeRegistry{index: map[string]string{
		"co/re/core": `{"name":"core","vers":"0.1.0"}` + "\n",
	}}
	srv := httptest.NewServer(reg)
	defer srv.Close()
	c := NewHTTPClient("sparse+" + srv.URL + "/")

	tests := []struct {
		name, version string
		want          bool
	}{
		{"core", "0.1.0", true},
		{"core", "0.2.0", false},
		{"missing", "1.0.0", false},
	}
	for _, tt := range tests {
		got, err := c.Published(context.Background(), tt.name, tt.version)
		if err != nil {
			t.Fatalf("Published(%s, %s): %v", tt.name, tt.version, err)
		}
		if got != tt.want {
			t.Errorf("Published(%s, %s) = %v, want %v", tt.name, tt.version, got, tt.want)
		}
	}
}

func TestHTTPClient_Upload(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		token  string
		kind   error
		detail string
	}{
		{name: "accepted", token: "secret"},
		{name: "unauthorized", status: http.StatusUnauthorized, token: "bad", kind: errs.ErrAuth},
		{name: "forbidden", status: http.StatusForbidden, token: "bad", kind: errs.ErrAuth},
		{name: "rejected", status: http.StatusBadRequest, token: "secret", kind: errs.ErrPublishRejected,
			body: `{"errors":[{"detail":"version already exists"}]}`, detail: "version already exists"},
		{name: "server error", status: http.StatusBadGateway, token: "secret", kind: errs.ErrNetwork},
		{name: "missing token", kind: errs.ErrAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &fakeRegistry{status: tt.status, body: tt.body}
			srv := httptest.NewServer(reg)
			defer srv.Close()

			err := NewHTTPClient(srv.URL).Upload(context.Background(), Metadata{Name: "core", Vers: "0.1.0"}, []byte("tgz"), tt.token)
			if tt.kind == nil {
				if err != nil {
					t.Fatalf("Upload failed: %v", err)
				}
				if reg.token != tt.token || len(reg.uploads) != 1 {
					t.Fatalf("token = %q uploads = %d", reg.token, len(reg.uploads))
				}
				meta, archive, err := DecodeUpload(reg.uploads[0])
				if err != nil || meta.Name != "core" || string(archive) != "tgz" {
					t.Errorf("uploaded %+v %q %v", meta, archive, err)
				}
				return
			}
			if !errors.Is(err, tt.kind) {
				t.Fatalf("error = %v, want %v", err, tt.kind)
			}
			if tt.detail != "" && !strings.Contains(err.Error(), tt.detail) {
				t.Errorf("error = %v, want detail %q", err, tt.detail)
			}
			if tt.token == "" && len(reg.uploads) != 0 {
				t.Error("a missing token must fail before any request")
			}
		})
	}
}

func TestHTTPClient_APIFromConfig(t *testing.T) {
	api := &fakeRegistry{}
	apiSrv := httptest.NewServer(api)
	defer apiSrv.Close()

	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/config.json" {
			_, _ = io.WriteString(w, `{"dl":"x","api":"`+apiSrv.URL+`"}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer index.Close()

	if err := NewHTTPClient(index.URL).Upload(context.Background(), Metadata{Name: "core", Vers: "0.1.0"}, nil, "t"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if len(api.uploads) != 1 {
		t.Error("upload did not go to the api URL from config.json")
	}
}

func TestNewMetadata(t *testing.T) {
	pkg := &workspace.Package{
		Name:     "app",
		Version:  "1.0.0",
		Features: map[string][]string{"default": {"tls"}, "tls": nil},
		Dependencies: []workspace.Dependency{
			{Name: "core", Req: "^0.1", Path: "/ws/core"},
			{Name: "http", Package: "web-http", Req: "2", NoDefaultFeatures: true},
			{Name: "fixtures", Path: "/ws/fixtures", Kind: workspace.DepDev},
			{Name: "assert", Req: "1", Kind: workspace.DepDev},
		},
		Metadata: workspace.Metadata{License: "MIT", Readme: "README.md"},
	}
	m := NewMetadata(pkg, "# app", "abc")

	var names []string
	for _, d := range m.Deps {
		names = append(names, string(d.Kind)+":"+d.Name)
	}
	if !slices.Equal(names, []string{"dev:assert", "normal:core", "normal:web-http"}) {
		t.Errorf("deps = %v", names)
	}
	if d := m.Deps[2]; d.ExplicitName != "http" || d.DefaultFeatures {
		t.Errorf("renamed dep = %+v", d)
	}
	if m.Readme != "# app" || m.ReadmeFile != "README.md" || m.Checksum != "abc" {
		t.Errorf("metadata = %+v", m)
	}
}

func settings() *config.Settings {
	return &config.Settings{
		Registry: config.RegistrySettings{Default: config.DefaultRegistry},
		Registries: map[string]config.RegistryEntry{
			"internal": {Index: "https://index.internal"},
			"mirror":   {Index: "https://index.mirror"},
		},
	}
}

func TestSelect(t *testing.T) {
	open := &workspace.Package{Name: "core"}
	single := &workspace.Package{Name: "core", Publish: workspace.PublishPolicy{Restricted: true, Registries: []string{"internal"}}}
	two := &workspace.Package{Name: "core", Publish: workspace.PublishPolicy{Restricted: true, Registries: []string{"internal", "mirror"}}}

	tests := []struct {
		name string
		opts SelectOptions
		pkg  *workspace.Package
		want Target
		err  bool
	}{
		{name: "default", pkg: open, want: Target{Name: config.DefaultRegistry, Index: config.DefaultRegistryURL}},
		{name: "index flag", opts: SelectOptions{Index: "https://x"}, pkg: single, want: Target{Index: "https://x"}},
		{name: "registry flag", opts: SelectOptions{Registry: "mirror"}, pkg: single, want: Target{Name: "mirror", Index: "https://index.mirror"}},
		{name: "single allowlist", pkg: single, want: Target{Name: "internal", Index: "https://index.internal"}},
		{name: "two allowlisted", pkg: two, want: Target{Name: config.DefaultRegistry, Index: config.DefaultRegistryURL}},
		{name: "both flags", opts: SelectOptions{Index: "https://x", Registry: "mirror"}, pkg: open, err: true},
		{name: "unknown registry", opts: SelectOptions{Registry: "nope"}, pkg: open, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.opts, tt.pkg, settings())
			if tt.err {
				if !errors.Is(err, errs.ErrConfiguration) {
					t.Errorf("error = %v, want a configuration error", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Select = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveToken(t *testing.T) {
	dir := t.TempDir()
	store := NewCredentialStore(fsops.NewRealFS(), filepath.Join(dir, "credentials.toml"))
	if err := store.SetToken("", true, "stored-default"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetToken("internal", false, "stored-internal"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "credentials.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("credentials mode = %v, want 0600", info.Mode().Perm())
	}

	env := map[string]string{}
	src := TokenSources{Settings: settings(), Store: store, Getenv: func(k string) string { return env[k] }}
	def := Target{Name: config.DefaultRegistry, Index: config.DefaultRegistryURL}
	internal := Target{Name: "internal", Index: "https://index.internal"}

	check := func(flag string, target Target, want string) {
		t.Helper()
		got, err := ResolveToken(flag, target, src)
		if err != nil {
			t.Fatalf("ResolveToken: %v", err)
		}
		if got != want {
			t.Errorf("token = %q, want %q", got, want)
		}
	}

	check("", def, "stored-default")
	check("", internal, "stored-internal")

	env[TokenEnv] = "env-default"
	env[config.RegistryTokenEnv("internal")] = "env-internal"
	check("", def, "env-default")
	check("", internal, "env-internal")
	check("flag", def, "flag")

	_, err = ResolveToken("", Target{Name: "mirror", Index: "https://index.mirror"}, src)
	if !errors.Is(err, errs.ErrAuth) {
		t.Errorf("error = %v, want an auth error", err)
	}
	_, err = ResolveToken("", Target{Index: "https://x"}, src)
	if !errors.Is(err, errs.ErrAuth) {
		t.Errorf("error = %v, want an auth error for an index URL without --token", err)
	}
}

func TestFakeClient_Visibility(t *testing.T) {
	c := NewFakeClient()
	c.VisibleAfter = 2
	ctx := context.Background()
	if err := c.Upload(ctx, Metadata{Name: "core", Vers: "0.1.0"}, nil, "t"); err != nil {
		t.Fatal(err)
	}
	var seen []bool
	for i := 0; i < 4; i++ {
		ok, _ := c.Published(ctx, "core", "0.1.0")
		seen = append(seen, ok)
	}
	if !slices.Equal(seen, []bool{false, false, true, true}) {
		t.Errorf("visibility = %v", seen)
	}
}
