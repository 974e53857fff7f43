package configstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
)

// ReasonSwitchBlocked rejects toggling binance.testnet while positions are
// open.
const ReasonSwitchBlocked = "SWITCH_BLOCKED"

// Publisher is the event sink for configuration mutations.
type Publisher interface {
	Publish(evt *schema.Event) error
}

// PositionCounter reports the number of currently open positions.
type PositionCounter func() int

// Config tunes the store.
type Config struct {
	// HistoryLimit bounds the rollback stack. Default 20.
	HistoryLimit int
	Publisher    Publisher
	// SymbolKnown validates symbols against the exchange universe. Nil
	// accepts any non-empty token.
	SymbolKnown func(string) bool
	// Positions guards the testnet switch. Nil means no open positions.
	Positions PositionCounter
}

func (c Config) normalize() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	return c
}

// Store is the versioned configuration holder. All mutations are atomic:
// either the whole candidate document validates and replaces the current
// one, or nothing changes.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	current Document
	version uint64
	history [][]byte
}

// New constructs a store seeded with the given document. The seed must
// validate.
func New(cfg Config, seed Document) (*Store, error) {
	cfg = cfg.normalize()
	if err := seed.Validate(cfg.SymbolKnown); err != nil {
		return nil, err
	}
	s := new(Store)
	s.cfg = cfg
	s.current = seed.Clone()
	return s, nil
}

// Get returns a deep copy of the current document.
func (s *Store) Get() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Version returns the monotonic mutation counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot serializes the current document.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.current)
}

// Restore replaces the whole document, clearing history. Used when loading
// persisted state at startup.
func (s *Store) Restore(raw []byte) error {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errs.New("configstore/restore", errs.CodeInvalid,
			errs.WithKind(errs.KindFatal),
			errs.WithMessage("corrupted persisted config"),
			errs.WithCause(err))
	}
	if err := doc.Validate(s.cfg.SymbolKnown); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = doc
	s.history = nil
	s.version++
	version := s.version
	s.mu.Unlock()
	s.emit("document", "restore", nil, version)
	return nil
}

// Update patches one section atomically. Unknown sections and unknown patch
// keys are rejected, as is any patch that fails document validation.
func (s *Store) Update(section Section, patch map[string]any) error {
	return s.apply(map[Section]map[string]any{section: patch}, string(section), "update")
}

// BatchUpdate patches several sections in one atomic mutation with a single
// history entry and a single version bump.
func (s *Store) BatchUpdate(patches map[Section]map[string]any) error {
	if len(patches) == 0 {
		return nil
	}
	sections := make([]string, 0, len(patches))
	for section := range patches {
		sections = append(sections, string(section))
	}
	sort.Strings(sections)
	return s.apply(patches, strings.Join(sections, ","), "batch_update")
}

func (s *Store) apply(patches map[Section]map[string]any, subject, changeType string) error {
	s.mu.Lock()

	candidate := s.current.Clone()
	details := make(map[string]any)
	for section, patch := range patches {
		if err := patchSection(&candidate, section, patch); err != nil {
			s.mu.Unlock()
			return err
		}
		for key, value := range patch {
			details[string(section)+"."+key] = value
		}
	}

	if candidate.Binance.Testnet != s.current.Binance.Testnet && s.openPositions() > 0 {
		s.mu.Unlock()
		return errs.New("configstore/update", errs.CodeConflict,
			errs.WithReason(ReasonSwitchBlocked),
			errs.WithMessage("cannot switch binance.testnet while positions are open"))
	}
	if err := candidate.Validate(s.cfg.SymbolKnown); err != nil {
		s.mu.Unlock()
		return err
	}

	snapshot, err := json.Marshal(s.current)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("configstore snapshot: %w", err)
	}
	s.history = append(s.history, snapshot)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}

	s.current = candidate
	s.version++
	version := s.version
	s.mu.Unlock()

	s.emit(subject, changeType, details, version)
	return nil
}

// Rollback restores the document as it was the given number of successful
// mutations ago and discards the intervening history entries.
func (s *Store) Rollback(steps int) error {
	s.mu.Lock()
	if steps <= 0 {
		s.mu.Unlock()
		return errs.New("configstore/rollback", errs.CodeInvalid,
			errs.WithMessage("steps must be positive"))
	}
	if steps > len(s.history) {
		s.mu.Unlock()
		return errs.New("configstore/rollback", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("only %d snapshots available", len(s.history))))
	}
	idx := len(s.history) - steps
	var doc Document
	if err := json.Unmarshal(s.history[idx], &doc); err != nil {
		s.mu.Unlock()
		return errs.New("configstore/rollback", errs.CodeInvalid,
			errs.WithKind(errs.KindFatal),
			errs.WithMessage("corrupted history snapshot"),
			errs.WithCause(err))
	}
	s.history = s.history[:idx]
	s.current = doc
	s.version++
	version := s.version
	s.mu.Unlock()

	s.emit("document", "rollback", map[string]any{"steps": steps}, version)
	return nil
}

// HistoryDepth reports how many rollback snapshots are held.
func (s *Store) HistoryDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

func (s *Store) openPositions() int {
	if s.cfg.Positions == nil {
		return 0
	}
	return s.cfg.Positions()
}

func (s *Store) emit(subject, changeType string, details map[string]any, version uint64) {
	observability.Log().Info("config updated",
		observability.F("subject", subject),
		observability.F("change_type", changeType),
		observability.F("version", version))
	if s.cfg.Publisher == nil {
		return
	}
	_ = s.cfg.Publisher.Publish(&schema.Event{
		Type:      schema.EventConfigUpdated,
		Priority:  schema.PriorityControl,
		Source:    "configstore",
		CreatedAt: time.Now().UTC(),
		Payload: schema.ConfigChangePayload{
			Subject:    subject,
			ChangeType: changeType,
			Details:    details,
			Version:    version,
		},
	})
}

// patchSection merges patch keys into the named section of the candidate
// document through its JSON representation.
func patchSection(doc *Document, section Section, patch map[string]any) error {
	target, err := sectionPointer(doc, section)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("configstore marshal section: %w", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return fmt.Errorf("configstore unmarshal section: %w", err)
	}
	for key, value := range patch {
		if _, known := merged[key]; !known {
			return errs.New("configstore/update", errs.CodeInvalid,
				errs.WithReason(string(schema.ReasonConfigInvalid)),
				errs.WithMessage(fmt.Sprintf("unknown key %s.%s", section, key)))
		}
		merged[key] = value
	}
	rewritten, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("configstore remarshal section: %w", err)
	}
	if err := json.Unmarshal(rewritten, target); err != nil {
		return errs.New("configstore/update", errs.CodeInvalid,
			errs.WithReason(string(schema.ReasonConfigInvalid)),
			errs.WithMessage(fmt.Sprintf("malformed value for section %s", section)),
			errs.WithCause(err))
	}
	return nil
}

func sectionPointer(doc *Document, section Section) (any, error) {
	switch section {
	case SectionBinance:
		return &doc.Binance, nil
	case SectionTrading:
		return &doc.Trading, nil
	case SectionStrategy:
		return &doc.Strategy, nil
	case SectionICT:
		return &doc.ICT, nil
	case SectionMarket:
		return &doc.Market, nil
	default:
		return nil, errs.New("configstore/update", errs.CodeInvalid,
			errs.WithReason(string(schema.ReasonConfigInvalid)),
			errs.WithMessage(fmt.Sprintf("unknown section %s", section)))
	}
}
