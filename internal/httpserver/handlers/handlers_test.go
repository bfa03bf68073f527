package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/wayfinder/internal/discovery"
	"github.com/MrSnakeDoc/wayfinder/internal/domain"
	"github.com/MrSnakeDoc/wayfinder/internal/forward"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/routes"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
	"github.com/MrSnakeDoc/wayfinder/internal/resolver"
	"github.com/MrSnakeDoc/wayfinder/internal/store"
	"github.com/MrSnakeDoc/wayfinder/internal/upstream"
)

// scriptedJudge returns a fixed decision and counts calls.
type scriptedJudge struct {
	calls    atomic.Int32
	decision *domain.TargetDecision
}

func (j *scriptedJudge) ResolveHostname(ctx context.Context, hostname, userHint string, inv resolver.Inventory) (*domain.TargetDecision, error) {
	j.calls.Add(1)
	d := *j.decision
	return &d, nil
}

func (j *scriptedJudge) ResolveRelated(ctx context.Context, originHost string, originMapping *domain.RouteMapping, serviceName, userHint string, inv resolver.Inventory) (*domain.TargetDecision, error) {
	j.calls.Add(1)
	d := *j.decision
	return &d, nil
}

type harness struct {
	deps  deps.Deps
	store *store.Store
	proxy *httptest.Server
}

// newHarness assembles the full routing stack around fakes and starts a
// real proxy server in front of it.
func newHarness(t *testing.T, judge resolver.Judge, procs []discovery.ProcessRecord, containers []discovery.ContainerRecord) *harness {
	t.Helper()

	nop := logger.NewNop()
	cacheFile := filepath.Join(t.TempDir(), "mappings.json")
	s := store.New(cacheFile, nop)

	processes := discovery.NewProcessCache(func(ctx context.Context) ([]discovery.ProcessRecord, error) {
		return procs, nil
	}, time.Minute, nop)
	containerCache := discovery.NewContainerCache(func(ctx context.Context) ([]discovery.ContainerRecord, error) {
		return containers, nil
	}, time.Minute, nop)

	d := deps.Deps{
		Logger:          nop,
		StartTime:       time.Now(),
		TimeNow:         time.Now,
		Store:           s,
		Resolver:        resolver.New(judge, s, processes, containerCache, nop),
		Processes:       processes,
		Containers:      containerCache,
		Builder:         upstream.NewBuilder(upstream.NewRebinder(processes), containerCache, nop),
		Forwarder:       forward.New(nop),
		DebugHost:       "proxy.localhost",
		AdmissionSuffix: ".localhost",
		Model:           "test-model",
		CacheFile:       cacheFile,
		APIKeySet:       true,
	}

	r := chi.NewRouter()
	routes.RegisterAll(r, d)
	proxy := httptest.NewServer(r)
	t.Cleanup(proxy.Close)

	return &harness{deps: d, store: s, proxy: proxy}
}

// do issues a request through the proxy with the given Host header.
func (h *harness) do(t *testing.T, method, host, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.proxy.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func portOf(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestColdRouteResolvesAndForwards(t *testing.T) {
	var seenEncoding atomic.Value
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenEncoding.Store(r.Header.Get("Accept-Encoding") + "|")
		_, _ = w.Write([]byte("hello from vite"))
	}))
	defer upstreamSrv.Close()
	upstreamPort := portOf(t, upstreamSrv)

	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: upstreamPort,
		Rationale: "vite", Workdir: "/home/u/myapp",
	}}
	h := newHarness(t, judge, []discovery.ProcessRecord{
		{Port: upstreamPort, Workdir: "/home/u/myapp", Command: "node"},
	}, nil)

	resp := h.do(t, "GET", "myapp.localhost", "/")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from vite" {
		t.Errorf("body = %q", body)
	}
	if judge.calls.Load() != 1 {
		t.Errorf("judge called %d times, want 1", judge.calls.Load())
	}
	if got := seenEncoding.Load().(string); got != "|" {
		t.Errorf("upstream saw Accept-Encoding %q, want absent", got)
	}

	mapping := h.store.Get("myapp.localhost")
	if mapping == nil {
		t.Fatal("mapping not stored")
	}
	if mapping.Kind != domain.KindProcess || mapping.Rationale != "vite" {
		t.Errorf("stored mapping = %+v", mapping)
	}
	if mapping.Identifier == nil || mapping.Identifier.Workdir != "/home/u/myapp" {
		t.Errorf("stored mapping lost identifier: %+v", mapping.Identifier)
	}
}

func TestForceReResolveStripsReservedQuery(t *testing.T) {
	var seenQuery atomic.Value
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery.Store(r.URL.RawQuery + "|")
	}))
	defer upstreamSrv.Close()
	upstreamPort := portOf(t, upstreamSrv)

	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindContainer, Target: "app-web", Port: 80, Rationale: "docker",
	}}
	h := newHarness(t, judge, nil, []discovery.ContainerRecord{
		{
			Name: "app-web",
			Published: []discovery.PublishedPort{
				{ContainerPort: 80, HostIP: "0.0.0.0", HostPort: upstreamPort},
			},
		},
	})
	h.store.Set("app.localhost", &domain.RouteMapping{
		Kind: domain.KindProcess, Target: "localhost", Port: 5173,
	})

	resp := h.do(t, "GET", "app.localhost", "/?force&prompt=use+docker")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if judge.calls.Load() != 1 {
		t.Errorf("judge called %d times despite force, want 1", judge.calls.Load())
	}
	if got := seenQuery.Load().(string); got != "|" {
		t.Errorf("forwarded query = %q, want empty", got)
	}
	if got := h.store.Get("app.localhost"); got.Kind != domain.KindContainer || got.Target != "app-web" {
		t.Errorf("store not updated by force: %+v", got)
	}
}

func TestReservedQueryStrippingPreservesOrder(t *testing.T) {
	var seenQuery atomic.Value
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery.Store(r.URL.RawQuery)
	}))
	defer upstreamSrv.Close()

	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: portOf(t, upstreamSrv),
	}}
	h := newHarness(t, judge, nil, nil)

	resp := h.do(t, "GET", "x.localhost", "/?z=2&force&a=%20raw&prompt=hi&z=1")
	defer resp.Body.Close()

	if got := seenQuery.Load().(string); got != "z=2&a=%20raw&z=1" {
		t.Errorf("forwarded query = %q, want order and encoding preserved", got)
	}
}

func TestConcurrentMissSingleJudgeCall(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstreamSrv.Close()

	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: portOf(t, upstreamSrv),
	}}
	h := newHarness(t, judge, nil, nil)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.do(t, "GET", "new.localhost", "/")
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d", resp.StatusCode)
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()

	if got := judge.calls.Load(); got != 1 {
		t.Errorf("judge called %d times for %d concurrent misses, want 1", got, n)
	}
}

func TestStalePortRebind(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("rebound"))
	}))
	defer upstreamSrv.Close()
	currentPort := portOf(t, upstreamSrv)

	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 1,
	}}
	h := newHarness(t, judge, []discovery.ProcessRecord{
		{Port: currentPort, Workdir: "/home/u/app/frontend", Command: "node"},
	}, nil)

	// Stored port 5173 is stale; the identifier should rebind to the
	// snapshot's current port.
	h.store.Set("app.localhost", &domain.RouteMapping{
		Kind: domain.KindProcess, Target: "/home/u/app", Port: 5173,
		Identifier: &domain.ProcessIdentifier{Workdir: "/home/u/app"},
	})

	resp := h.do(t, "GET", "app.localhost", "/")
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "rebound" {
		t.Fatalf("response = %d %q", resp.StatusCode, body)
	}
	if got := h.store.Get("app.localhost"); got.Port != 5173 {
		t.Errorf("stored port changed to %d, rebinding must not mutate the mapping", got.Port)
	}
}

func TestSecondLevelProxyRewritesPath(t *testing.T) {
	var seenURI atomic.Value
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenURI.Store(r.URL.RequestURI())
		_, _ = w.Write([]byte("users"))
	}))
	defer apiSrv.Close()

	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: portOf(t, apiSrv), Rationale: "backend",
	}}
	h := newHarness(t, judge, nil, nil)
	h.store.Set("app.proj.localhost", &domain.RouteMapping{
		Kind: domain.KindProcess, Target: "localhost", Port: 5173,
	})

	resp := h.do(t, "GET", "app.proj.localhost", "/_proxy/api/users?x=1")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := seenURI.Load().(string); got != "/users?x=1" {
		t.Errorf("upstream URI = %q, want prefix stripped and query kept", got)
	}
	if h.store.Get("app.proj.localhost:api") == nil {
		t.Errorf("composite key not cached")
	}

	// The synthetic key stays out of real-route enumerations.
	real := h.store.RealRoutes()
	if _, ok := real["app.proj.localhost:api"]; ok {
		t.Errorf("synthetic key leaked into RealRoutes")
	}
}

func TestSecondLevelProxyWithoutService(t *testing.T) {
	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 3000,
	}}
	h := newHarness(t, judge, nil, nil)

	resp := h.do(t, "GET", "app.localhost", "/_proxy/")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdmissionCheck(t *testing.T) {
	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 3000,
	}}
	h := newHarness(t, judge, nil, nil)

	tests := []struct {
		name string
		path string
		host string
		want int
	}{
		{"allowed domain param", "/_tls_check?domain=myapp.localhost", "proxy.localhost", http.StatusOK},
		{"refused domain param", "/_tls_check?domain=evil.example.com", "proxy.localhost", http.StatusForbidden},
		{"caddy path allowed", "/_caddy/check?domain=a.localhost", "proxy.localhost", http.StatusOK},
		{"falls back to request host", "/_tls_check", "myapp.localhost", http.StatusOK},
		{"falls back to refused host", "/_tls_check", "example.com", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, "GET", tt.host, tt.path)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if judge.calls.Load() != 0 {
				t.Errorf("admission check consulted the judge")
			}
		})
	}
}

func TestNoisePathsNeverResolve(t *testing.T) {
	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 3000,
	}}
	h := newHarness(t, judge, nil, nil)

	for _, path := range []string{"/favicon.ico", "/robots.txt"} {
		resp := h.do(t, "GET", "unknown.localhost", path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
	if judge.calls.Load() != 0 {
		t.Errorf("noise paths triggered %d resolutions", judge.calls.Load())
	}
}

func TestMappingsCRUD(t *testing.T) {
	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 3000,
	}}
	h := newHarness(t, judge, nil, nil)

	// PUT a manual mapping.
	putBody := `{"kind":"process","target":"localhost","port":4321}`
	req, _ := http.NewRequest(http.MethodPut, h.proxy.URL+"/_api/mappings/manual.localhost", strings.NewReader(putBody))
	req.Host = "proxy.localhost"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	// GET it back.
	resp = h.do(t, "GET", "proxy.localhost", "/_api/mappings/manual.localhost")
	var got domain.RouteMapping
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got.Port != 4321 || got.Rationale != "manual" || got.CreatedAt == "" {
		t.Errorf("GET after PUT = %+v", got)
	}

	// GET all includes it.
	resp = h.do(t, "GET", "proxy.localhost", "/_api/mappings")
	var all domain.Mappings
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if _, ok := all["manual.localhost"]; !ok {
		t.Errorf("GET all missing the mapping: %v", all)
	}

	// DELETE, then GET is 404.
	resp = h.do(t, "DELETE", "proxy.localhost", "/_api/mappings/manual.localhost")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("DELETE status = %d", resp.StatusCode)
	}
	resp = h.do(t, "GET", "proxy.localhost", "/_api/mappings/manual.localhost")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after DELETE = %d, want 404", resp.StatusCode)
	}
}

func TestMappingsValidationAndMethods(t *testing.T) {
	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 3000,
	}}
	h := newHarness(t, judge, nil, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown kind", `{"kind":"docker","target":"x","port":80}`, http.StatusBadRequest},
		{"empty target", `{"kind":"process","target":"","port":80}`, http.StatusBadRequest},
		{"port out of range", `{"kind":"process","target":"x","port":0}`, http.StatusBadRequest},
		{"broken json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPut, h.proxy.URL+"/_api/mappings/bad.localhost", strings.NewReader(tt.body))
			req.Host = "proxy.localhost"
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	// Unsupported method.
	req, _ := http.NewRequest(http.MethodPatch, h.proxy.URL+"/_api/mappings/x.localhost", nil)
	req.Host = "proxy.localhost"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("PATCH status = %d, want 405", resp.StatusCode)
	}
}

func TestDebugSnapshotJSON(t *testing.T) {
	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 3000,
	}}
	h := newHarness(t, judge,
		[]discovery.ProcessRecord{{Port: 5173, Command: "node", Workdir: "/home/u/app"}},
		[]discovery.ContainerRecord{{Name: "app-db", Image: "postgres:16"}})
	h.store.Set("app.localhost", &domain.RouteMapping{Kind: domain.KindProcess, Target: "localhost", Port: 5173})

	resp := h.do(t, "GET", "proxy.localhost", "/")
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	var snapshot struct {
		Timestamp   string            `json:"timestamp"`
		Processes   []map[string]any  `json:"processes"`
		Containers  []map[string]any  `json:"containers"`
		Mappings    map[string]any    `json:"mappings"`
		Environment map[string]string `json:"environment"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.Timestamp == "" || len(snapshot.Processes) != 1 || len(snapshot.Containers) != 1 {
		t.Errorf("snapshot = %+v", snapshot)
	}
	if snapshot.Environment["api_key"] != "[set]" {
		t.Errorf("api_key echo = %q, must never leak the value", snapshot.Environment["api_key"])
	}
	if snapshot.Environment["model"] != "test-model" {
		t.Errorf("model echo = %q", snapshot.Environment["model"])
	}
}

func TestDebugHTMLHidesSecrets(t *testing.T) {
	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 3000,
	}}
	h := newHarness(t, judge, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, h.proxy.URL+"/_debug", nil)
	req.Host = "anything.localhost"
	req.Header.Set("Accept", "text/html")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<html") {
		t.Errorf("debug page is not HTML")
	}
	if !strings.Contains(string(body), "[set]") {
		t.Errorf("debug page missing api_key presence flag")
	}
	if strings.Contains(string(body), "/_api/mappings/") == false {
		t.Errorf("debug page mutations must go through the mapping API")
	}
}

func TestMissingHostHeader(t *testing.T) {
	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 3000,
	}}
	h := newHarness(t, judge, nil, nil)

	r := httptest.NewRequest("GET", "/", nil)
	r.Host = ""
	w := httptest.NewRecorder()
	router := chi.NewRouter()
	routes.RegisterAll(router, h.deps)
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUpstreamUnreachableIs502(t *testing.T) {
	judge := &scriptedJudge{decision: &domain.TargetDecision{
		Kind: domain.KindProcess, Target: "localhost", Port: 1,
	}}
	h := newHarness(t, judge, nil, nil)

	resp := h.do(t, "GET", "dead.localhost", "/")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}
