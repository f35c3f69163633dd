package recipe

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/kibbled/firmware/internal/logger"
)

// LegacyKey is the key under which the pre-envelope recipe list lived in
// the non-volatile key-value area.
const LegacyKey = "recipes.v1"

// LegacyKV is the non-volatile key-value area holding the pre-envelope
// recipe list; the concrete settings collaborator behind it is injected.
type LegacyKV interface {
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
}

// envelope is the canonical on-disk shape: the IEEE CRC-32 of the exact
// serialized recipes array bytes, plus those bytes.
type envelope struct {
	CRC32   uint32          `json:"crc32"`
	Recipes json.RawMessage `json:"recipes"`
}

// Store is the triple-redundant recipe store. The in-memory list is the
// working copy; every mutation saves through to all three paths.
type Store struct {
	paths  [3]string // primary, backup1, backup2
	legacy LegacyKV

	mu      sync.Mutex
	recipes []Recipe
	now     func() time.Time
}

// NewStore builds a Store over the three file paths. legacy may be nil
// when no key-value migration source exists.
func NewStore(primary, backup1, backup2 string, legacy LegacyKV) *Store {
	return &Store{
		paths:  [3]string{primary, backup1, backup2},
		legacy: legacy,
		now:    time.Now,
	}
}

// Load reads the store: primary first, then each backup. Any file that
// parses and whose recomputed CRC matches is accepted; a non-primary
// survivor triggers a rewrite of all three. If every file fails, a
// legacy-store migration is attempted; failing that, the store starts
// empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, path := range s.paths {
		recipes, err := loadFile(path)
		if err != nil {
			logger.Warn("recipe file rejected", "path", path, logger.Err(err))
			continue
		}
		s.recipes = recipes
		if i != 0 {
			logger.Info("recipes recovered from backup, repairing all copies", "path", path)
			s.saveLocked()
		}
		return nil
	}

	if migrated, err := s.migrateLegacyLocked(); err != nil {
		logger.Warn("legacy recipe migration failed", logger.Err(err))
	} else if migrated {
		return nil
	}

	logger.Warn("no valid recipe file found, starting empty")
	s.recipes = nil
	return nil
}

func loadFile(path string) ([]Recipe, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("recipe: envelope parse: %w", err)
	}
	if got := crc32.ChecksumIEEE(env.Recipes); got != env.CRC32 {
		return nil, fmt.Errorf("recipe: crc mismatch: stored %08x computed %08x", env.CRC32, got)
	}
	var recipes []Recipe
	if err := json.Unmarshal(env.Recipes, &recipes); err != nil {
		return nil, fmt.Errorf("recipe: recipes parse: %w", err)
	}
	return recipes, nil
}

// migrateLegacyLocked reads the pre-envelope list from the key-value
// area, rewrites the three files, and deletes the legacy key.
func (s *Store) migrateLegacyLocked() (bool, error) {
	if s.legacy == nil {
		return false, nil
	}
	raw, ok, err := s.legacy.Get(LegacyKey)
	if err != nil || !ok {
		return false, err
	}
	var recipes []Recipe
	if err := json.Unmarshal(raw, &recipes); err != nil {
		return false, fmt.Errorf("recipe: legacy parse: %w", err)
	}
	s.recipes = recipes
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	if err := s.legacy.Delete(LegacyKey); err != nil {
		logger.Warn("legacy recipe key not deleted", logger.Err(err))
	}
	logger.Info("recipes migrated from legacy store", "count", len(recipes))
	return true, nil
}

// Save writes all three files; success of at least one is required.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	recipes := s.recipes
	if recipes == nil {
		recipes = []Recipe{}
	}
	rawRecipes, err := json.Marshal(recipes)
	if err != nil {
		return fmt.Errorf("recipe: marshal: %w", err)
	}
	env := envelope{CRC32: crc32.ChecksumIEEE(rawRecipes), Recipes: rawRecipes}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("recipe: envelope marshal: %w", err)
	}

	written := 0
	var lastErr error
	for _, path := range s.paths {
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			logger.Warn("recipe file write failed", "path", path, logger.Err(err))
			lastErr = err
			continue
		}
		written++
	}
	if written == 0 {
		return fmt.Errorf("recipe: all three writes failed: %w", lastErr)
	}
	return nil
}

// List returns a value-copy of every recipe.
func (s *Store) List() []Recipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Recipe, len(s.recipes))
	for i, r := range s.recipes {
		out[i] = copyRecipe(r)
	}
	return out
}

// Get returns one recipe by UID.
func (s *Store) Get(uid uint32) (Recipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipes {
		if r.UID == uid {
			return copyRecipe(r), nil
		}
	}
	return Recipe{}, fmt.Errorf("%w: uid %d", ErrNotFound, uid)
}

// Create validates r, assigns the next UID (max existing + 1) and the
// creation timestamp, and saves.
func (s *Store) Create(r Recipe) (Recipe, error) {
	if err := r.Validate(); err != nil {
		return Recipe{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var maxUID uint32
	for _, existing := range s.recipes {
		if existing.UID > maxUID {
			maxUID = existing.UID
		}
	}
	r.UID = maxUID + 1
	r.Created = s.now().Unix()
	s.recipes = append(s.recipes, copyRecipe(r))

	if err := s.saveLocked(); err != nil {
		s.recipes = s.recipes[:len(s.recipes)-1]
		return Recipe{}, err
	}
	logger.Info("recipe created", logger.RecipeUID(r.UID), "name", r.Name)
	return r, nil
}

// Update replaces the recipe carrying r.UID and saves.
func (s *Store) Update(r Recipe) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.recipes {
		if existing.UID == r.UID {
			r.Created = existing.Created
			s.recipes[i] = copyRecipe(r)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("%w: uid %d", ErrNotFound, r.UID)
}

// Delete removes a recipe by UID and saves.
func (s *Store) Delete(uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.recipes {
		if existing.UID == uid {
			s.recipes = append(s.recipes[:i], s.recipes[i+1:]...)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("%w: uid %d", ErrNotFound, uid)
}

// TouchLastUsed stamps a recipe's lastUsed after a successful feed.
func (s *Store) TouchLastUsed(uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recipes {
		if s.recipes[i].UID == uid {
			s.recipes[i].LastUsed = s.now().Unix()
			return s.saveLocked()
		}
	}
	return fmt.Errorf("%w: uid %d", ErrNotFound, uid)
}

func copyRecipe(r Recipe) Recipe {
	r.Ingredients = append([]Ingredient(nil), r.Ingredients...)
	return r
}
