package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fetchSpec(url string) PackSpec {
	inputs, _ := json.Marshal(fetchInputs{URL: url})
	return PackSpec{PackType: "fetch", Inputs: inputs}
}

func TestFetchExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello from upstream"))
	}))
	defer srv.Close()

	e := FetchExecutor{InsecureAllowPrivate: true}
	out, err := e.Execute(context.Background(), "run_1", fetchSpec(srv.URL), 1_000_000)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var res fetchResult
	if err := json.Unmarshal(out.Data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.StatusCode != http.StatusOK || res.Body != "hello from upstream" {
		t.Fatalf("result = %+v", res)
	}
	if res.Truncated {
		t.Fatal("small body reported truncated")
	}
	if out.ActualCost != fetchBaseCost {
		t.Fatalf("cost = %d, want base cost %d", out.ActualCost, fetchBaseCost)
	}
}

func TestFetchExecutorTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	e := FetchExecutor{InsecureAllowPrivate: true, MaxBodyBytes: 1024}
	out, err := e.Execute(context.Background(), "run_1", fetchSpec(srv.URL), 1_000_000)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var res fetchResult
	if err := json.Unmarshal(out.Data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Truncated || len(res.Body) != 1024 {
		t.Fatalf("truncated=%v len=%d, want truncated 1024", res.Truncated, len(res.Body))
	}
	if out.ActualCost != fetchBaseCost+fetchCostPerKB {
		t.Fatalf("cost = %d, want base + 1KiB", out.ActualCost)
	}
}

func TestFetchExecutorRejectsPrivateHosts(t *testing.T) {
	e := FetchExecutor{}
	if _, err := e.Execute(context.Background(), "run_1", fetchSpec("http://127.0.0.1:9999/meta"), 1_000_000); err == nil {
		t.Fatal("loopback URL not rejected")
	}
	if _, err := e.Execute(context.Background(), "run_1", fetchSpec("http://localhost/admin"), 1_000_000); err == nil {
		t.Fatal("localhost URL not rejected")
	}
}

func TestFetchExecutorRequiresURL(t *testing.T) {
	e := FetchExecutor{}
	if _, err := e.Execute(context.Background(), "run_1", PackSpec{PackType: "fetch"}, 1_000_000); err == nil {
		t.Fatal("missing url not rejected")
	}
}
