package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hydrangea-dev/grok-gateway/internal/logger"
)

// KV is the persistence contract for the six-section bundle. GetAll returns
// raw section JSON by key; PutAll upserts all given sections atomically with
// a shared updated_at timestamp.
type KV interface {
	GetAll(ctx context.Context) (map[string]string, error)
	PutAll(ctx context.Context, values map[string]string, updatedAt int64) error
}

// Store reads and writes the typed settings bundle over a KV backend.
type Store struct {
	kv  KV
	log *logger.Logger
}

func NewStore(kv KV, log *logger.Logger) *Store {
	return &Store{kv: kv, log: log.WithComponent("settings")}
}

// Load fetches all sections in one batch and merges each stored blob over
// its defaults. A missing or unparseable section falls back to defaults for
// that section only. The returned bundle is normalized: cf_clearance carries
// its cookie prefix and image_generation_method is canonical.
func (s *Store) Load(ctx context.Context) (*Settings, error) {
	stored, err := s.kv.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	bundle := Defaults()
	mergeSection(s.log, KeyGlobal, stored[KeyGlobal], &bundle.Global)
	mergeSection(s.log, KeyGrok, stored[KeyGrok], &bundle.Grok)
	mergeSection(s.log, KeyToken, stored[KeyToken], &bundle.Token)
	mergeSection(s.log, KeyCache, stored[KeyCache], &bundle.Cache)
	mergeSection(s.log, KeyPerformance, stored[KeyPerformance], &bundle.Performance)
	mergeSection(s.log, KeyRegister, stored[KeyRegister], &bundle.Register)

	bundle.normalize()
	return &bundle, nil
}

// mergeSection unmarshals a stored blob over the section defaults: stored
// fields win, absent fields keep their defaults. The unmarshal runs on a
// scratch copy so a blob that fails mid-decode leaves the section fully at
// defaults rather than partially populated.
func mergeSection[T any](log *logger.Logger, key, raw string, target *T) {
	if raw == "" {
		return
	}
	merged := *target
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		log.Warn("unparseable settings section, using defaults",
			slog.String("section", key),
			slog.String("error", err.Error()))
		return
	}
	*target = merged
}

// Save persists all six sections in one atomic batch sharing one updated_at.
// The stored form strips the cf_clearance prefix and canonicalizes the image
// generation method, so Save(Load()) is stable.
func (s *Store) Save(ctx context.Context, bundle *Settings) error {
	stored := *bundle
	stored.Grok.CfClearance = StripCfClearance(stored.Grok.CfClearance)
	stored.Grok.ImageGenerationMethod = NormalizeImageGenerationMethod(stored.Grok.ImageGenerationMethod)

	sections := map[string]interface{}{
		KeyGlobal:      stored.Global,
		KeyGrok:        stored.Grok,
		KeyToken:       stored.Token,
		KeyCache:       stored.Cache,
		KeyPerformance: stored.Performance,
		KeyRegister:    stored.Register,
	}
	values := make(map[string]string, len(sections))
	for key, section := range sections {
		raw, err := json.Marshal(section)
		if err != nil {
			return fmt.Errorf("encoding settings section %s: %w", key, err)
		}
		values[key] = string(raw)
	}

	if err := s.kv.PutAll(ctx, values, time.Now().Unix()); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}
