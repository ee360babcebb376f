// Copyright 2024-2026 Aiku AI

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-gateway/pkg/connector"
	"github.com/aiku/wa-gateway/pkg/connector/credstore"
	"github.com/aiku/wa-gateway/pkg/connector/loopback"
)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGatewayEndToEnd(t *testing.T) {
	t.Parallel()
	var (
		hookMu    sync.Mutex
		delivered []connector.InboundMessage
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var msg connector.InboundMessage
		_ = json.NewDecoder(r.Body).Decode(&msg)
		hookMu.Lock()
		delivered = append(delivered, msg)
		hookMu.Unlock()
	}))
	defer hook.Close()

	cfg := &Config{
		ListenAddr:   "127.0.0.1:0",
		Store:        StoreMemory,
		PrintQR:      true,
		MessageCache: connector.MessageCacheConfig{MaxEntries: 100, TTL: time.Hour},
		Instances: []connector.Instance{{
			PhoneNumber: testPhone,
			APIKey:      testKey,
			Webhook: &connector.WebhookConfig{
				URL:       hook.URL,
				BasicAuth: &connector.BasicAuth{Username: "u", Password: "p"},
			},
		}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	backend := credstore.NewMemoryBackend()
	qrOut := &lockedBuffer{}
	engine := &loopback.Engine{PairDelay: 20 * time.Millisecond}
	gw, err := New(context.Background(), cfg, zerolog.Nop(), Options{Engine: engine, Backend: backend, QROutput: qrOut})
	if err != nil {
		t.Fatal(err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = gw.Stop()
		}
	})
	base := "http://" + gw.Addr()

	waitUntil(t, "pairing", func() bool { return gw.Connector.IsActive(testPhone) })
	if !strings.Contains(qrOut.String(), "QR code for "+testPhone) {
		t.Error("pairing QR should be printed")
	}
	if backend.Len() == 0 {
		t.Error("pairing should persist credentials")
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/send", strings.NewReader(`{"to":"+15550000009","message":"ping"}`))
	req.Header.Set(APIKeyHeader, testKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send: got %d %s", resp.StatusCode, body)
	}

	waitUntil(t, "webhook delivery", func() bool {
		hookMu.Lock()
		defer hookMu.Unlock()
		return len(delivered) == 1
	})
	hookMu.Lock()
	got := delivered[0]
	hookMu.Unlock()
	if got.Text != "ping" || got.To != testPhone || got.From != "15550000009@s.whatsapp.net" {
		t.Errorf("unexpected delivery %+v", got)
	}

	req, _ = http.NewRequest(http.MethodGet, base+"/status", nil)
	req.Header.Set(APIKeyHeader, testKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var st struct {
		State  string `json:"state"`
		Active bool   `json:"active"`
		Bridge struct {
			StateEvent string `json:"state_event"`
			RemoteID   string `json:"remote_id"`
		} `json:"bridge_state"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st.State != "OPEN" || !st.Active || st.Bridge.StateEvent != "CONNECTED" || st.Bridge.RemoteID != "15550000001@s.whatsapp.net" {
		t.Errorf("unexpected status %+v", st)
	}

	handle, _ := engine.Handle(testPhone)
	stopped = true
	if err := gw.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !handle.Closed() {
		t.Error("Stop must close the live handle")
	}
	if _, err := http.Get(base + "/health"); err == nil {
		t.Error("HTTP server should be down after Stop")
	}
}

func TestNew_RequiresEngine(t *testing.T) {
	t.Parallel()
	cfg := &Config{Store: StoreMemory}
	if _, err := New(context.Background(), cfg, zerolog.Nop(), Options{}); err == nil {
		t.Error("expected an error without engine")
	}
}
