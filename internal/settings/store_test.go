package settings

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/hydrangea-dev/grok-gateway/internal/logger"
)

type memoryKV struct {
	mu        sync.Mutex
	values    map[string]string
	updatedAt int64
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: make(map[string]string)}
}

func (m *memoryKV) GetAll(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *memoryKV) PutAll(_ context.Context, values map[string]string, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	m.updatedAt = updatedAt
	return nil
}

func newTestStore() (*Store, *memoryKV) {
	kv := newMemoryKV()
	return NewStore(kv, logger.New(logger.Config{Level: slog.LevelError})), kv
}

func TestLoadEmptyStoreYieldsDefaults(t *testing.T) {
	store, _ := newTestStore()

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Defaults()
	if got.Grok.BaseURL != want.Grok.BaseURL {
		t.Errorf("grok base url %q", got.Grok.BaseURL)
	}
	if got.Performance.FirstResponseTimeoutSeconds != want.Performance.FirstResponseTimeoutSeconds {
		t.Errorf("first response timeout %d", got.Performance.FirstResponseTimeoutSeconds)
	}
	if !got.Global.ShowThinking {
		t.Error("show_thinking default lost")
	}
}

func TestLoadMergesStoredOverDefaults(t *testing.T) {
	store, kv := newTestStore()
	kv.values[KeyPerformance] = `{"chunk_timeout_seconds": 7}`

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Performance.ChunkTimeoutSeconds != 7 {
		t.Errorf("stored chunk timeout lost, got %d", got.Performance.ChunkTimeoutSeconds)
	}
	// Fields absent from the stored blob keep their defaults.
	if got.Performance.FirstResponseTimeoutSeconds != 30 {
		t.Errorf("default first response timeout lost, got %d", got.Performance.FirstResponseTimeoutSeconds)
	}
}

func TestLoadUnparseableSectionFallsBackToDefaults(t *testing.T) {
	store, kv := newTestStore()
	kv.values[KeyGrok] = `{not json`
	kv.values[KeyToken] = `{"refresh_concurrency": 9}`

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Grok.BaseURL != Defaults().Grok.BaseURL {
		t.Errorf("broken section did not fall back: %q", got.Grok.BaseURL)
	}
	if got.Token.RefreshConcurrency != 9 {
		t.Errorf("healthy section affected by broken one: %d", got.Token.RefreshConcurrency)
	}
}

func TestLoadPartiallyDecodableSectionFallsBackWhole(t *testing.T) {
	store, kv := newTestStore()
	// api_key decodes before the bad show_thinking value aborts the
	// unmarshal; the whole section must still come back as defaults.
	kv.values[KeyGlobal] = `{"api_key": "leaked", "show_thinking": "notabool"}`

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Global.APIKey != "" {
		t.Errorf("partially decoded field survived: api_key = %q", got.Global.APIKey)
	}
	if !reflect.DeepEqual(got.Global, Defaults().Global) {
		t.Errorf("section not fully at defaults: %+v", got.Global)
	}
}

func TestCfClearanceRoundTrip(t *testing.T) {
	store, kv := newTestStore()

	bundle := Defaults()
	bundle.Grok.CfClearance = "cf_clearance=abc123"
	if err := store.Save(context.Background(), &bundle); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Stored form is stripped.
	if raw := kv.values[KeyGrok]; !strings.Contains(raw, `"cf_clearance":"abc123"`) {
		t.Errorf("stored grok section not stripped: %s", raw)
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Grok.CfClearance != "cf_clearance=abc123" {
		t.Errorf("exposed value %q, want re-prefixed", got.Grok.CfClearance)
	}

	// Saving the exposed form again must not double-prefix.
	if err := store.Save(context.Background(), got); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if raw := kv.values[KeyGrok]; !strings.Contains(raw, `"cf_clearance":"abc123"`) {
		t.Errorf("second save double-prefixed: %s", raw)
	}
}

func TestImageGenerationMethodNormalization(t *testing.T) {
	cases := map[string]string{
		"":                        ImageGenLegacy,
		"legacy":                  ImageGenLegacy,
		"LEGACY":                  ImageGenLegacy,
		"default":                 ImageGenLegacy,
		"imagine_ws_experimental": ImageGenImagineWS,
		"Imagine_WS":              ImageGenImagineWS,
		"websocket":               ImageGenImagineWS,
		" ws ":                    ImageGenImagineWS,
		"something-new":           ImageGenLegacy,
	}
	for in, want := range cases {
		if got := NormalizeImageGenerationMethod(in); got != want {
			t.Errorf("normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSaveLoadRoundTripIsStable(t *testing.T) {
	store, kv := newTestStore()

	bundle := Defaults()
	bundle.Global.APIKey = "sk-test"
	bundle.Grok.CfClearance = "zzz"
	bundle.Grok.ImageGenerationMethod = "WS"
	if err := store.Save(context.Background(), &bundle); err != nil {
		t.Fatalf("save: %v", err)
	}
	if kv.updatedAt == 0 {
		t.Error("shared updated_at not set")
	}

	first, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := store.Save(context.Background(), first); err != nil {
		t.Fatalf("resave: %v", err)
	}
	second, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("round trip unstable:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if second.Grok.ImageGenerationMethod != ImageGenImagineWS {
		t.Errorf("alias not canonicalized: %q", second.Grok.ImageGenerationMethod)
	}
}
