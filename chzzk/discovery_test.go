package chzzk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hyeonlog/streamfeed/platform"
	"github.com/hyeonlog/streamfeed/telemetry"
)

func TestChannelInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/service/v1/channels/ch1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"content": map[string]any{
				"channelId":   "ch1",
				"channelName": "테스트 채널",
				"openLive":    true,
			},
		})
	}))
	defer server.Close()

	d := &Discovery{APIBase: server.URL}
	meta, err := d.ChannelInfo(context.Background(), "ch1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.ChannelName != "테스트 채널" || !meta.OpenLive {
		t.Errorf("meta = %+v", meta)
	}
}

func TestChannelInfoNotFound(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http 404",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		},
		{
			name: "null content",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"code":404,"content":null}`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()
			d := &Discovery{APIBase: server.URL}
			_, err := d.ChannelInfo(context.Background(), "nope")
			if !errors.Is(err, platform.ErrChannelNotFound) {
				t.Errorf("err = %v, want ErrChannelNotFound", err)
			}
		})
	}
}

func TestLiveDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/service/v2/channels/ch1/live-detail" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"content": map[string]any{
				"liveId":              77,
				"liveTitle":           "hello",
				"status":              "OPEN",
				"concurrentUserCount": 321,
				"chatChannelId":       "cc-77",
			},
		})
	}))
	defer server.Close()

	d := &Discovery{APIBase: server.URL}
	ld, err := d.LiveDetail(context.Background(), "ch1")
	if err != nil {
		t.Fatal(err)
	}
	if !ld.Live() || ld.ChatChannelID != "cc-77" || ld.ConcurrentUserCount != 321 {
		t.Errorf("live detail = %+v", ld)
	}
}

func TestAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("channelId"); got != "cc-77" {
			t.Errorf("channelId = %s", got)
		}
		if got := r.URL.Query().Get("chatType"); got != "STREAMING" {
			t.Errorf("chatType = %s", got)
		}
		_, _ = w.Write([]byte(`{"code":200,"content":{"accessToken":"tok","extraToken":"x"}}`))
	}))
	defer server.Close()

	d := &Discovery{GameAPIBase: server.URL}
	tok, err := d.AccessToken(context.Background(), "cc-77")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok" {
		t.Errorf("token = %q", tok)
	}
}

func TestCategoriesPaginationAndAggregation(t *testing.T) {
	// Three full pages then a short page; category "shared" appears on every
	// page and must be summed, not duplicated.
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		page := offset / categoryPageSize
		size := categoryPageSize
		if page == 3 {
			size = 37
		}
		if page > 3 {
			t.Errorf("request past termination: offset %d", offset)
			size = 0
		}
		data := make([]map[string]any, 0, size)
		for i := 0; i < size; i++ {
			id := fmt.Sprintf("cat-%d-%d", page, i)
			if i == 0 {
				id = "shared"
			}
			data = append(data, map[string]any{
				"categoryId":          id,
				"categoryValue":       id,
				"openLiveCount":       1,
				"concurrentUserCount": 10,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    200,
			"content": map[string]any{"data": data},
		})
	}))
	defer server.Close()

	d := &Discovery{APIBase: server.URL}
	cats := d.Categories(context.Background(), 0)

	if got := requests.Load(); got != 4 {
		t.Errorf("requests = %d, want 4 (no request after the short page)", got)
	}
	// Unique ids: "shared" plus (pageSize-1) per full page plus 36 on the short page.
	wantUnique := 1 + 3*(categoryPageSize-1) + 36
	if len(cats) != wantUnique {
		t.Errorf("unique categories = %d, want %d", len(cats), wantUnique)
	}
	shared := cats["shared"]
	if shared.ViewerCount != 40 || shared.OpenLiveCount != 4 {
		t.Errorf("shared counts = %+v, want summed across 4 pages", shared)
	}
}

func TestCategoriesSwallowsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := &Discovery{APIBase: server.URL}
	if cats := d.Categories(context.Background(), 0); len(cats) != 0 {
		t.Errorf("expected empty result on failure, got %d", len(cats))
	}
}

func TestLivesCompoundCursor(t *testing.T) {
	// Two full pages chained via {concurrentUserCount, liveId}, then a page
	// with no cursor.
	var sawCursor atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := 0
		if q.Get("liveId") != "" {
			sawCursor.Store(true)
			page, _ = strconv.Atoi(q.Get("liveId"))
		}
		data := make([]map[string]any, 0, livePageSize)
		for i := 0; i < livePageSize; i++ {
			data = append(data, map[string]any{
				"liveId":              page*1000 + i,
				"liveTitle":           "t",
				"channelId":           "ch",
				"concurrentUserCount": 100 - page,
			})
		}
		content := map[string]any{"data": data}
		if page < 2 {
			content["page"] = map[string]any{
				"next": map[string]any{"concurrentUserCount": 100 - page, "liveId": page + 1},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "content": content})
	}))
	defer server.Close()

	d := &Discovery{APIBase: server.URL}
	lives := d.Lives(context.Background(), 0)
	if len(lives) != 3*livePageSize {
		t.Errorf("lives = %d, want %d", len(lives), 3*livePageSize)
	}
	if !sawCursor.Load() {
		t.Error("compound cursor never propagated to a request")
	}
}

func TestLivesMaxResults(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		data := make([]map[string]any, 0, livePageSize)
		for i := 0; i < livePageSize; i++ {
			data = append(data, map[string]any{"liveId": i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"content": map[string]any{
				"data": data,
				"page": map[string]any{"next": map[string]any{"concurrentUserCount": 1, "liveId": 1}},
			},
		})
	}))
	defer server.Close()

	d := &Discovery{APIBase: server.URL}
	lives := d.Lives(context.Background(), 5)
	if len(lives) != 5 {
		t.Errorf("lives = %d, want capped at 5", len(lives))
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", requests.Load())
	}
}

func TestLivesSwallowsFailures(t *testing.T) {
	d := &Discovery{APIBase: "http://127.0.0.1:0"}
	if lives := d.Lives(context.Background(), 0); len(lives) != 0 {
		t.Errorf("expected empty result, got %d", len(lives))
	}
}

func discoveryPageSamples(t *testing.T) uint64 {
	t.Helper()
	hist, ok := telemetry.DiscoveryPageDuration.(prometheus.Histogram)
	if !ok {
		t.Fatalf("discovery page duration is %T, want a histogram", telemetry.DiscoveryPageDuration)
	}
	m := &dto.Metric{}
	if err := hist.Write(m); err != nil {
		t.Fatal(err)
	}
	return m.Histogram.GetSampleCount()
}

func TestCategoriesRecordsPageLatency(t *testing.T) {
	telemetry.Init()
	before := discoveryPageSamples(t)

	// A single short page terminates the walk after one request.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"content": map[string]any{"data": []map[string]any{
				{"categoryId": "c1", "categoryValue": "c1"},
			}},
		})
	}))
	defer server.Close()

	(&Discovery{APIBase: server.URL}).Categories(context.Background(), 0)

	if got := discoveryPageSamples(t) - before; got != 1 {
		t.Errorf("histogram samples added = %d, want 1", got)
	}
}
