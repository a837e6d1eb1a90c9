// Package filler holds the in-memory catalogue of short pre-synthesized
// utterances ("fillers") played while a provider call is in flight, masking
// ASR/LLM/TTS latency without a round trip to any capability.
package filler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xeipuuv/gojsonschema"
)

// Category is one of the four filler classes the orchestrator reaches for.
type Category string

const (
	Thinking       Category = "thinking"
	Searching      Category = "searching"
	Empathy        Category = "empathy"
	Acknowledgment Category = "acknowledgment"
)

// Phrase is one entry in the filler catalogue.
type Phrase struct {
	ID              string   `json:"id"`
	Category        Category `json:"category"`
	TriggerKeywords []string `json:"trigger_keywords"`
	Text            string   `json:"text"`
	PreSynthesized  []byte   `json:"-"`
	AudioRef        string   `json:"audio_ref,omitempty"`
}

// HasAudio reports whether the phrase can be played without a TTS call.
func (p Phrase) HasAudio() bool { return len(p.PreSynthesized) > 0 }

// catalogueSchema validates the shape of the JSON catalogue file at load
// time so a malformed catalogue fails fast at startup (ConfigurationError)
// instead of producing nil-phrase surprises at first lookup.
const catalogueSchema = `{
  "type": "object",
  "required": ["phrases"],
  "properties": {
    "phrases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "category", "text"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "category": {"type": "string", "enum": ["thinking", "searching", "empathy", "acknowledgment"]},
          "trigger_keywords": {"type": "array", "items": {"type": "string"}},
          "text": {"type": "string", "minLength": 1},
          "audio_ref": {"type": "string"}
        }
      }
    }
  }
}`

type catalogueFile struct {
	Phrases []Phrase `json:"phrases"`
}

// AudioLoader reads the pre-synthesized PCM blob a phrase's audio_ref points
// at. Swappable so tests can supply fixtures instead of real files.
type AudioLoader func(ref string) ([]byte, error)

// Cache is the read-only-after-init, process-wide filler catalogue. It is
// safe to share across every concurrent call session.
type Cache struct {
	byCategory map[Category][]Phrase
	fallbackDB *sql.DB

	mu   sync.Mutex
	rand *rand.Rand
}

// ConfigurationError wraps a catalogue load failure detected at startup.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "filler catalogue: " + e.Reason }

// Load parses and validates a JSON catalogue, reading each phrase's audio
// blob through load (nil is fine — phrases just won't have PreSynthesized
// bytes, and callers fall back to on-demand synthesis or skip).
func Load(data []byte, load AudioLoader) (*Cache, error) {
	schemaLoader := gojsonschema.NewStringLoader(catalogueSchema)
	docLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("schema validation: %v", err)}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, &ConfigurationError{Reason: strings.Join(msgs, "; ")}
	}

	var cf catalogueFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("decode: %v", err)}
	}

	c := &Cache{
		byCategory: make(map[Category][]Phrase),
		rand:       rand.New(rand.NewSource(1)),
	}
	for _, p := range cf.Phrases {
		if p.AudioRef != "" && load != nil {
			blob, err := load(p.AudioRef)
			if err != nil {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("load audio %q: %v", p.AudioRef, err)}
			}
			p.PreSynthesized = blob
		}
		c.byCategory[p.Category] = append(c.byCategory[p.Category], p)
	}
	return c, nil
}

// WithFallbackDB attaches a SQLite-backed cache for fallback utterances
// synthesized on demand, so a freshly synthesized fallback survives a
// process restart instead of requiring a fresh TTS call on every boot.
func (c *Cache) WithFallbackDB(db *sql.DB) *Cache {
	c.fallbackDB = db
	return c
}

// OpenFallbackDB opens (creating if needed) the on-demand fallback audio
// cache at path.
func OpenFallbackDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open fallback cache: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS fallback_audio (
		key TEXT PRIMARY KEY,
		pcm BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create fallback table: %w", err)
	}
	return db, nil
}

// FallbackAudio returns a previously cached on-demand-synthesized fallback
// utterance, if one exists under key.
func (c *Cache) FallbackAudio(key string) ([]byte, bool) {
	if c.fallbackDB == nil {
		return nil, false
	}
	var pcm []byte
	err := c.fallbackDB.QueryRow(`SELECT pcm FROM fallback_audio WHERE key = ?`, key).Scan(&pcm)
	if err != nil {
		return nil, false
	}
	return pcm, true
}

// StoreFallbackAudio persists a freshly synthesized fallback utterance for
// reuse after restart. Best-effort: errors are swallowed by the caller.
func (c *Cache) StoreFallbackAudio(key string, pcm []byte) error {
	if c.fallbackDB == nil {
		return nil
	}
	_, err := c.fallbackDB.Exec(`INSERT OR REPLACE INTO fallback_audio (key, pcm) VALUES (?, ?)`, key, pcm)
	return err
}

// GetRandom returns a uniformly random phrase from category, or false if the
// category is empty.
func (c *Cache) GetRandom(category Category) (Phrase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phrases := c.byCategory[category]
	if len(phrases) == 0 {
		return Phrase{}, false
	}
	return phrases[c.rand.Intn(len(phrases))], true
}

// GetEmpathy returns an empathy-category phrase only if userText contains
// one of its trigger keywords (case-insensitive substring match). Returns
// false if no keyword matches — callers must not play a filler in that case.
func (c *Cache) GetEmpathy(userText string) (Phrase, bool) {
	lower := strings.ToLower(userText)
	for _, p := range c.byCategory[Empathy] {
		if matchesAnyKeyword(lower, p.TriggerKeywords) {
			return p, true
		}
	}
	return Phrase{}, false
}

// GetContextual scans trigger keywords category by category (thinking,
// searching, empathy, acknowledgment; catalogue order within a category)
// and returns the first match; if none match, falls back to a random
// "thinking" phrase.
func (c *Cache) GetContextual(userText string) (Phrase, bool) {
	lower := strings.ToLower(userText)
	for _, category := range []Category{Thinking, Searching, Empathy, Acknowledgment} {
		for _, p := range c.byCategory[category] {
			if matchesAnyKeyword(lower, p.TriggerKeywords) {
				return p, true
			}
		}
	}
	return c.GetRandom(Thinking)
}

func matchesAnyKeyword(lowerText string, keywords []string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowerText, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// DefaultCatalogueJSON is a small Arabic-first seed catalogue used when no
// operator-supplied catalogue file is configured.
const DefaultCatalogueJSON = `{
  "phrases": [
    {"id": "think-1", "category": "thinking", "trigger_keywords": [], "text": "لحظة من فضلك..."},
    {"id": "think-2", "category": "thinking", "trigger_keywords": [], "text": "خليني أشوف..."},
    {"id": "search-1", "category": "searching", "trigger_keywords": [], "text": "أبحث لك عن المعلومة..."},
    {"id": "search-2", "category": "searching", "trigger_keywords": [], "text": "ثانية وحدة وأرجع لك..."},
    {"id": "empathy-1", "category": "empathy", "trigger_keywords": ["وجع", "ألم", "تعبان"], "text": "آسفة على اللي تمر فيه، خلني أساعدك."},
    {"id": "empathy-2", "category": "empathy", "trigger_keywords": ["مستعجل", "ضروري"], "text": "أتفهم إنه مستعجل، راح أسرع لك."},
    {"id": "ack-1", "category": "acknowledgment", "trigger_keywords": [], "text": "تمام، فهمت عليك."}
  ]
}`
