package recipe

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	data map[string][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (kv *fakeKV) Get(key string) ([]byte, bool, error) {
	v, ok := kv.data[key]
	return v, ok, nil
}

func (kv *fakeKV) Delete(key string) error {
	delete(kv.data, key)
	return nil
}

func newTestStore(t *testing.T) (*Store, [3]string) {
	dir := t.TempDir()
	paths := [3]string{
		filepath.Join(dir, "recipes.json"),
		filepath.Join(dir, "recipes.bak1.json"),
		filepath.Join(dir, "recipes.bak2.json"),
	}
	s := NewStore(paths[0], paths[1], paths[2], nil)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s, paths
}

func validRecipe() Recipe {
	return Recipe{
		Name:         "Morning Mix",
		DailyWeightG: 200,
		Servings:     2,
		Enabled:      true,
		Ingredients: []Ingredient{
			{TankUID: 0xA1, Percentage: 70},
			{TankUID: 0xB2, Percentage: 30},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, paths := newTestStore(t)
	created, err := s.Create(validRecipe())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), created.UID)

	reloaded := NewStore(paths[0], paths[1], paths[2], nil)
	require.NoError(t, reloaded.Load())
	list := reloaded.List()
	require.Len(t, list, 1)
	assert.Equal(t, created, list[0])
}

func TestUIDAutoIncrement(t *testing.T) {
	s, _ := newTestStore(t)
	first, err := s.Create(validRecipe())
	require.NoError(t, err)
	second, err := s.Create(validRecipe())
	require.NoError(t, err)
	assert.Equal(t, first.UID+1, second.UID)

	require.NoError(t, s.Delete(first.UID))
	third, err := s.Create(validRecipe())
	require.NoError(t, err)
	assert.Equal(t, second.UID+1, third.UID)
}

func TestPercentageValidation(t *testing.T) {
	s, _ := newTestStore(t)

	bad := validRecipe()
	bad.Ingredients[0].Percentage = 65 // sums to 95
	_, err := s.Create(bad)
	assert.ErrorIs(t, err, ErrBadPercentages)

	// Within the 0.1 tolerance.
	edge := validRecipe()
	edge.Ingredients[0].Percentage = 70.05
	_, err = s.Create(edge)
	assert.NoError(t, err)
}

func TestLoadRepairsFromBackup(t *testing.T) {
	s, paths := newTestStore(t)
	created, err := s.Create(validRecipe())
	require.NoError(t, err)

	// Corrupt the primary's CRC, remove backup2 entirely (scenario 6).
	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	env.CRC32 ^= 0xDEADBEEF
	broken, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths[0], broken, 0o644))
	require.NoError(t, os.Remove(paths[2]))

	reloaded := NewStore(paths[0], paths[1], paths[2], nil)
	require.NoError(t, reloaded.Load())
	list := reloaded.List()
	require.Len(t, list, 1)
	assert.Equal(t, created.UID, list[0].UID)

	// Repair rewrote all three; a fresh primary-only load now succeeds.
	recipes, err := loadFile(paths[0])
	require.NoError(t, err)
	assert.Len(t, recipes, 1)
	_, err = os.Stat(paths[2])
	assert.NoError(t, err)
}

func TestLoadMigratesLegacyStore(t *testing.T) {
	dir := t.TempDir()
	kv := newFakeKV()
	legacy := []Recipe{{
		UID:          9,
		Name:         "Old Faithful",
		DailyWeightG: 120,
		Servings:     3,
		Enabled:      true,
		Ingredients:  []Ingredient{{TankUID: 1, Percentage: 100}},
	}}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	kv.data[LegacyKey] = raw

	s := NewStore(
		filepath.Join(dir, "a.json"),
		filepath.Join(dir, "b.json"),
		filepath.Join(dir, "c.json"),
		kv,
	)
	require.NoError(t, s.Load())

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Old Faithful", list[0].Name)

	// The legacy key is gone and the three files now hold the envelope.
	_, ok := kv.data[LegacyKey]
	assert.False(t, ok)
	recipes, err := loadFile(filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	assert.Len(t, recipes, 1)
}

func TestLoadAllMissingStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(
		filepath.Join(dir, "a.json"),
		filepath.Join(dir, "b.json"),
		filepath.Join(dir, "c.json"),
		nil,
	)
	require.NoError(t, s.Load())
	assert.Empty(t, s.List())
}

func TestTouchLastUsed(t *testing.T) {
	s, _ := newTestStore(t)
	created, err := s.Create(validRecipe())
	require.NoError(t, err)
	assert.Zero(t, created.LastUsed)

	require.NoError(t, s.TouchLastUsed(created.UID))
	got, err := s.Get(created.UID)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), got.LastUsed)

	assert.ErrorIs(t, s.TouchLastUsed(999), ErrNotFound)
}

func TestValidateRejectsDegenerateRecipes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Recipe)
	}{
		{"empty name", func(r *Recipe) { r.Name = "" }},
		{"zero servings", func(r *Recipe) { r.Servings = 0 }},
		{"zero weight", func(r *Recipe) { r.DailyWeightG = 0 }},
		{"no ingredients", func(r *Recipe) { r.Ingredients = nil }},
		{"negative percentage", func(r *Recipe) {
			r.Ingredients = []Ingredient{{TankUID: 1, Percentage: -10}, {TankUID: 2, Percentage: 110}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validRecipe()
			tc.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}
