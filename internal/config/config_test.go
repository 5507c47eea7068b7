package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_RECONNECT_ATTEMPTS", "7")
	t.Setenv("PW_CHALLENGE_TIMEOUT", "90s")
	t.Setenv("PW_HEADLESS", "yes")
	t.Setenv("PW_EXTRA_ARGS", "--mute-audio, ,--lang=en")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db", cfg.Database.Host)
	assert.Equal(t, 7, cfg.Database.ReconnectAttempts)
	assert.Equal(t, 90*time.Second, cfg.Browser.ChallengeTimeout)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "api/recommend/item_list", cfg.Browser.FeedURLPattern)
	assert.Equal(t, 10*time.Second, cfg.Browser.CaptureWait)
	assert.Equal(t, []string{"--mute-audio", "--lang=en"}, cfg.Browser.ExtraArgs)
}

func TestDatabaseURLEscapesPassword(t *testing.T) {
	d := Database{Host: "h", Port: "5432", User: "u", Password: "p@ss/word", Name: "feed", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p%40ss%2Fword@h:5432/feed?sslmode=disable", d.URL())
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
number_of_batches: 2
participants:
  - id: 1
    country: US
    locale: en
    policy:
      number_of_posts_to_like_per_batch: [1, 0]
      like_hashtags: [fyp]
`), 0o644))

	plan, err := LoadPlan(path)
	require.NoError(t, err)

	assert.Equal(t, 2, plan.NumberOfBatches)
	p, ok := plan.Participant(1)
	require.True(t, ok)
	assert.Equal(t, []int{1, 0}, p.Policy.LikesPerBatch)
	assert.Equal(t, []string{"fyp"}, p.Policy.LikeTags)

	_, ok = plan.Participant(2)
	assert.False(t, ok)
}

func TestLoadPlanRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
number_of_batches: 1
participants:
  - id: 1
  - id: 1
`), 0o644))

	_, err := LoadPlan(path)
	assert.Error(t, err)
}
