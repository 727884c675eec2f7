package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENTATION_STORE", "")
	t.Setenv("AGENTATION_EVENT_RETENTION_DAYS", "")
	t.Setenv("AGENTATION_WEBHOOK_URL", "")
	t.Setenv("AGENTATION_WEBHOOKS", "")
	t.Setenv("AGENTATION_API_KEY", "")

	cfg := Load()

	if cfg.StoreBacking != StoreSQLite {
		t.Errorf("expected default store backing sqlite, got %s", cfg.StoreBacking)
	}
	if cfg.RetentionDays != DefaultRetentionDays {
		t.Errorf("expected default retention %d, got %d", DefaultRetentionDays, cfg.RetentionDays)
	}
	if len(cfg.WebhookURLs) != 0 {
		t.Errorf("expected no webhook URLs, got %v", cfg.WebhookURLs)
	}
	if cfg.APIKey != "" {
		t.Errorf("expected empty API key, got %q", cfg.APIKey)
	}
}

func TestLoadMemoryBacking(t *testing.T) {
	t.Setenv("AGENTATION_STORE", "memory")

	cfg := Load()
	if cfg.StoreBacking != StoreMemory {
		t.Errorf("expected memory backing, got %s", cfg.StoreBacking)
	}
}

func TestLoadRetentionOverride(t *testing.T) {
	t.Setenv("AGENTATION_EVENT_RETENTION_DAYS", "14")

	cfg := Load()
	if cfg.RetentionDays != 14 {
		t.Errorf("expected retention 14, got %d", cfg.RetentionDays)
	}
}

func TestLoadInvalidRetentionFallsBackToDefault(t *testing.T) {
	t.Setenv("AGENTATION_EVENT_RETENTION_DAYS", "not-a-number")

	cfg := Load()
	if cfg.RetentionDays != DefaultRetentionDays {
		t.Errorf("expected default retention on invalid input, got %d", cfg.RetentionDays)
	}
}

func TestLoadWebhookURLs(t *testing.T) {
	t.Setenv("AGENTATION_WEBHOOK_URL", "https://example.com/hook")
	t.Setenv("AGENTATION_WEBHOOKS", "https://a.example.com/hook, https://b.example.com/hook")

	cfg := Load()
	want := []string{
		"https://example.com/hook",
		"https://a.example.com/hook",
		"https://b.example.com/hook",
	}
	if len(cfg.WebhookURLs) != len(want) {
		t.Fatalf("expected %d webhook URLs, got %v", len(want), cfg.WebhookURLs)
	}
	for i, u := range want {
		if cfg.WebhookURLs[i] != u {
			t.Errorf("webhook[%d] = %q, want %q", i, cfg.WebhookURLs[i], u)
		}
	}
}

func TestLoadAPIKey(t *testing.T) {
	t.Setenv("AGENTATION_API_KEY", "secret-token")

	cfg := Load()
	if cfg.APIKey != "secret-token" {
		t.Errorf("expected API key to be read from env, got %q", cfg.APIKey)
	}
}

func TestPathsDefaults(t *testing.T) {
	t.Setenv("AGENTATION_HOME", "")
	t.Setenv("HOME", "/home/tester")

	p := GetPaths()
	if p.Home != "/home/tester/.agentation" {
		t.Errorf("expected /home/tester/.agentation, got %s", p.Home)
	}
	if p.StorePath() != "/home/tester/.agentation/store.db" {
		t.Errorf("unexpected store path: %s", p.StorePath())
	}
}

func TestPathsHomeOverride(t *testing.T) {
	t.Setenv("AGENTATION_HOME", "/tmp/custom-agentation")

	p := GetPaths()
	if p.Home != "/tmp/custom-agentation" {
		t.Errorf("expected override to take effect, got %s", p.Home)
	}
}
