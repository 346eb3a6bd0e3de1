package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: tg-token
github:
  token: gh-token
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if diff := cmp.Diff(60*time.Second, cfg.PollInterval()); diff != "" {
		t.Errorf("poll interval mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(PollerConfig{
		Interval:            60,
		FetchConcurrency:    4,
		DispatchConcurrency: 8,
		FirstPollLimit:      10,
	}, cfg.Poller); diff != "" {
		t.Errorf("poller mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"good first issue", "help wanted", "beginner-friendly"}, cfg.Subscriptions.DefaultLabels); diff != "" {
		t.Errorf("default labels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("https://api.github.com/graphql", cfg.GitHub.GraphQLURL); diff != "" {
		t.Errorf("graphql url mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(30*time.Second, cfg.GitHub.RetryCap); diff != "" {
		t.Errorf("retry cap mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("0.0.0.0:8080", cfg.ServerAddress()); diff != "" {
		t.Errorf("server address mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: tg-token
github:
  token: gh-token
poller:
  interval: 120
`)
	t.Setenv("ISSUEBOT_POLLER_FETCH_CONCURRENCY", "2")
	t.Setenv("ISSUEBOT_SUBSCRIPTIONS_MAX_REPOS_PER_USER", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if diff := cmp.Diff(120, cfg.Poller.Interval); diff != "" {
		t.Errorf("interval mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, cfg.Poller.FetchConcurrency); diff != "" {
		t.Errorf("fetch concurrency mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, cfg.Subscriptions.MaxReposPerUser); diff != "" {
		t.Errorf("max repos mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Telegram: TelegramConfig{Token: "tg"},
			GitHub:   GitHubConfig{Token: "gh", IssuesPerFetch: 50},
			Poller: PollerConfig{
				Interval:            60,
				FetchConcurrency:    4,
				DispatchConcurrency: 8,
			},
			Subscriptions: SubscriptionConfig{
				MaxReposPerUser:  20,
				MaxLabelsPerRepo: 2,
				DefaultLabels:    []string{"bug"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing telegram token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: true},
		{name: "missing github token", mutate: func(c *Config) { c.GitHub.Token = "" }, wantErr: true},
		{name: "interval too small", mutate: func(c *Config) { c.Poller.Interval = 5 }, wantErr: true},
		{name: "zero fetch concurrency", mutate: func(c *Config) { c.Poller.FetchConcurrency = 0 }, wantErr: true},
		{name: "zero dispatch concurrency", mutate: func(c *Config) { c.Poller.DispatchConcurrency = 0 }, wantErr: true},
		{name: "zero repo quota", mutate: func(c *Config) { c.Subscriptions.MaxReposPerUser = 0 }, wantErr: true},
		{
			name:    "default labels over quota",
			mutate:  func(c *Config) { c.Subscriptions.DefaultLabels = []string{"a", "b", "c"} },
			wantErr: true,
		},
		{name: "issues per fetch over page size", mutate: func(c *Config) { c.GitHub.IssuesPerFetch = 101 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
