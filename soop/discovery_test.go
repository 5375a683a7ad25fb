package soop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hyeonlog/streamfeed/platform"
	"github.com/hyeonlog/streamfeed/telemetry"
)

func TestChannelInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/streamer1/station" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"station": map[string]any{
				"user_id":       "streamer1",
				"user_nick":     "방송인",
				"station_title": "제목",
				"upd_cnt":       12345,
			},
			"broad":         map[string]any{"broad_no": 42},
			"profile_image": "//img.example/p.png",
		})
	}))
	defer srv.Close()

	d := &Discovery{ChannelAPIBase: srv.URL}
	meta, err := d.ChannelInfo(context.Background(), "streamer1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.UserNick != "방송인" || meta.FollowerCount != 12345 || !meta.IsLive {
		t.Errorf("meta = %+v", meta)
	}

	if _, err := d.ChannelInfo(context.Background(), "missing"); !errors.Is(err, platform.ErrChannelNotFound) {
		t.Errorf("err = %v, want ErrChannelNotFound", err)
	}
	if _, err := d.ChannelInfo(context.Background(), ""); err == nil {
		t.Error("empty id must error")
	}
}

func TestChannelInfoOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"station":{"user_id":"s1","user_nick":"n"},"broad":null}`))
	}))
	defer srv.Close()

	meta, err := (&Discovery{ChannelAPIBase: srv.URL}).ChannelInfo(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.IsLive {
		t.Error("null broad must read as offline")
	}
}

func livePlayerHandler(result int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		_ = r.ParseForm()
		if r.PostForm.Get("type") != "live" {
			http.Error(w, "bad type", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"CHANNEL": map[string]any{
				"RESULT":         result,
				"CHDOMAIN":       "Chat1.Example.Com",
				"CHPT":           "8001",
				"CHATNO":         "99887",
				"BNO":            271828,
				"FTK":            "ticket-1",
				"TITLE":          "라이브 방송",
				"BJNICK":         "방송인",
				"CATE":           "00040001",
				"TOTAL_VIEW_CNT": "3456",
			},
		})
	}
}

func TestLiveDetail(t *testing.T) {
	srv := httptest.NewServer(livePlayerHandler(1))
	defer srv.Close()

	d := &Discovery{LiveAPIBase: srv.URL}
	ld, err := d.LiveDetail(context.Background(), "streamer1")
	if err != nil {
		t.Fatal(err)
	}
	if ld.ChatHost != "chat1.example.com" {
		t.Errorf("host = %q (must be lowercased)", ld.ChatHost)
	}
	if ld.ChatPort != 8002 {
		t.Errorf("port = %d, want media port + 1", ld.ChatPort)
	}
	if ld.ChatRoom != "99887" || ld.BroadcastNo != "271828" || ld.Ticket != "ticket-1" {
		t.Errorf("route = %+v", ld)
	}
	if ld.ViewerCount != 3456 || ld.Title != "라이브 방송" {
		t.Errorf("detail = %+v", ld)
	}
}

func TestLiveDetailNotLive(t *testing.T) {
	srv := httptest.NewServer(livePlayerHandler(0))
	defer srv.Close()

	_, err := (&Discovery{LiveAPIBase: srv.URL}).LiveDetail(context.Background(), "s1")
	if !errors.Is(err, platform.ErrChannelNotLive) {
		t.Errorf("err = %v, want ErrChannelNotLive", err)
	}
}

func TestLiveDetailNoSuchChannel(t *testing.T) {
	srv := httptest.NewServer(livePlayerHandler(-1))
	defer srv.Close()

	_, err := (&Discovery{LiveAPIBase: srv.URL}).LiveDetail(context.Background(), "s1")
	if !errors.Is(err, platform.ErrChannelNotFound) {
		t.Errorf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestCategoriesPagination(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := requests.Add(1)
		var data []map[string]any
		if page <= 2 {
			// Full pages; "shared" repeats on both so its counts must sum.
			data = append(data, map[string]any{
				"category_no": "shared", "category_name": "공유", "broad_cnt": 10, "view_cnt": 100,
			})
			for i := 1; i < broadcastPageSize; i++ {
				data = append(data, map[string]any{
					"category_no":   fmt.Sprintf("p%d-%d", page, i),
					"category_name": "c",
					"broad_cnt":     1,
					"view_cnt":      2,
				})
			}
		} else {
			data = append(data, map[string]any{
				"category_no": "last", "category_name": "끝", "broad_cnt": 5, "view_cnt": 50,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	got := (&Discovery{LiveAPIBase: srv.URL}).Categories(context.Background(), 0)
	if n := requests.Load(); n != 3 {
		t.Errorf("requests = %d, want 3 (stop on short page)", n)
	}
	shared, ok := got["shared"]
	if !ok {
		t.Fatal("shared category missing")
	}
	if shared.BroadCount != 20 || shared.ViewerCount != 200 {
		t.Errorf("shared counts = %d/%d, want summed 20/200", shared.BroadCount, shared.ViewerCount)
	}
	// 1 shared + 39 unique per full page × 2 + 1 on the short page.
	if want := 1 + 2*(broadcastPageSize-1) + 1; len(got) != want {
		t.Errorf("categories = %d, want %d", len(got), want)
	}
}

func TestCategoriesAdvisory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	got := (&Discovery{LiveAPIBase: srv.URL}).Categories(context.Background(), 3)
	if len(got) != 0 {
		t.Errorf("failed catalog must degrade to empty, got %d", len(got))
	}
}

func TestBroadcastsPagination(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := requests.Add(1)
		body := map[string]any{
			"broad": []map[string]any{
				{"broad_no": fmt.Sprintf("b%d", page), "user_id": "u", "total_view_cnt": 9},
			},
			"is_more": page < 3,
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	got := (&Discovery{LiveAPIBase: srv.URL}).Broadcasts(context.Background(), 0)
	if len(got) != 3 {
		t.Fatalf("broadcasts = %d, want 3", len(got))
	}
	if got[0].BroadcastNo != "b1" || got[2].BroadcastNo != "b3" {
		t.Errorf("rows = %+v", got)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("requests = %d, want 3 (stop when is_more is false)", n)
	}
}

func TestBroadcastsMaxResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"broad": []map[string]any{
				{"broad_no": "b1"}, {"broad_no": "b2"}, {"broad_no": "b3"},
			},
			"is_more": true,
		})
	}))
	defer srv.Close()

	got := (&Discovery{LiveAPIBase: srv.URL}).Broadcasts(context.Background(), 2)
	if len(got) != 2 {
		t.Errorf("broadcasts = %d, want maxResults cap of 2", len(got))
	}
}

func TestBroadcastsAdvisory(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 1 {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"broad":   []map[string]any{{"broad_no": "b1"}},
			"is_more": true,
		})
	}))
	defer srv.Close()

	got := (&Discovery{LiveAPIBase: srv.URL}).Broadcasts(context.Background(), 0)
	if len(got) != 1 || got[0].BroadcastNo != "b1" {
		t.Errorf("mid-listing failure must keep collected rows, got %+v", got)
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

func TestBroadcastsRecordsPageLatency(t *testing.T) {
	telemetry.Init()
	before := discoveryPageSamples(t)

	// One page with is_more false terminates the walk after one request.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"broad":   []map[string]any{{"broad_no": "1", "user_id": "u1"}},
			"is_more": false,
		})
	}))
	defer srv.Close()

	(&Discovery{LiveAPIBase: srv.URL}).Broadcasts(context.Background(), 0)

	if got := discoveryPageSamples(t) - before; got != 1 {
		t.Errorf("histogram samples added = %d, want 1", got)
	}
}
