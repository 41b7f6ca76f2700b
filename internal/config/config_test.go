package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultTemplateValidatesWithSecret(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("embedding", "s3cret")))
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Service.Name != "embedding" {
		t.Fatalf("service name %q", cfg.Service.Name)
	}
	if cfg.Auth.TTL != 60*time.Minute || cfg.Poll.Interval != 2*time.Second || cfg.Poll.Timeout != 5*time.Minute {
		t.Fatalf("unexpected durations: %+v %+v", cfg.Auth, cfg.Poll)
	}
	if cfg.Broker.Exchange != "semantic_search_events" || cfg.Broker.Driver != "memory" {
		t.Fatalf("unexpected broker defaults %+v", cfg.Broker)
	}
	if cfg.Subscriber.RetryInitial != 500*time.Millisecond || cfg.Subscriber.RetryMax != 30*time.Second || cfg.Subscriber.MaxRedeliveries != 10 {
		t.Fatalf("unexpected retry defaults %+v", cfg.Subscriber)
	}
}

func TestDefaultWithoutSecretFails(t *testing.T) {
	if err := Default("svc").Validate(); err == nil || !strings.Contains(err.Error(), "auth.secret") {
		t.Fatalf("expected secret error, got %v", err)
	}
}

func TestParseKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := Parse([]byte("service:\n  name: harvester\nauth:\n  secret: x\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8080" || cfg.Publisher.MaxAttempts != 5 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.Broker.Bindings) != 2 {
		t.Fatalf("bindings %v", cfg.Broker.Bindings)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"broker.driver":  func(c *Config) { c.Broker.Driver = "nats" },
		"broker.url":     func(c *Config) { c.Broker.Driver = "amqp"; c.Broker.URL = "" },
		"broker.brokers": func(c *Config) { c.Broker.Driver = "kafka" },
		"auth.algorithm": func(c *Config) { c.Auth.Algorithm = "RS256" },
		"base_path":      func(c *Config) { c.HTTP.BasePath = "api" },
		"log.format":     func(c *Config) { c.Log.Format = "xml" },
		"backoff_max":    func(c *Config) { c.Publisher.BackoffMax = time.Millisecond },
		"broker.queue":   func(c *Config) { c.Broker.Queue = "" },
		"retry_max":      func(c *Config) { c.Subscriber.RetryMax = time.Millisecond },
	}
	for want, mutate := range cases {
		cfg := Default("svc")
		cfg.Auth.Secret = "x"
		mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: expected error mentioning it, got %v", want, err)
		}
	}
}

func TestResolveAppliesEnvironment(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("storage", "from-file")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("JOBLINE_AUTH_SECRET", "from-env")
	t.Setenv("JOBLINE_POLL_INTERVAL", "500ms")
	t.Setenv("JOBLINE_BROKER_BINDINGS", "dataset.*, job.#")
	t.Setenv("JOBLINE_SUBSCRIBER_ENABLED", "false")

	cfg, err := Resolve(dir, NewViper())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Fatalf("secret %q", cfg.Auth.Secret)
	}
	if cfg.Poll.Interval != 500*time.Millisecond {
		t.Fatalf("interval %v", cfg.Poll.Interval)
	}
	if len(cfg.Broker.Bindings) != 2 || cfg.Broker.Bindings[0] != "dataset.*" || cfg.Broker.Bindings[1] != "job.#" {
		t.Fatalf("bindings %v", cfg.Broker.Bindings)
	}
	if cfg.Subscriber.Enabled {
		t.Fatalf("expected subscriber disabled")
	}
	if cfg.Service.Name != "storage" || cfg.Storage.Workspace != dir {
		t.Fatalf("unexpected %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "jl config init") {
		t.Fatalf("expected not found hint, got %v", err)
	}
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %+v %v", cfg, err)
	}
}

func TestWebhookValidation(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("svc", "x") + "\n"))
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	off := false
	cfg.Webhooks = []WebhookConfig{{URL: "", Enabled: &off}, {URL: "http://hook", Events: []string{"job.*"}}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid webhooks: %v", err)
	}
	if cfg.Webhooks[0].Active() || !cfg.Webhooks[1].Active() {
		t.Fatalf("unexpected active flags")
	}
	cfg.Webhooks = append(cfg.Webhooks, WebhookConfig{})
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "webhooks[2].url") {
		t.Fatalf("expected url error, got %v", err)
	}
}
