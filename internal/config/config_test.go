package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AMQPURL == "" {
		t.Error("expected a default AMQP_URL")
	}
	if cfg.IngressExchange != "x.moderation.ingress" {
		t.Errorf("IngressExchange = %q, want x.moderation.ingress", cfg.IngressExchange)
	}
	if cfg.ResultExchange != "x.moderation.result" {
		t.Errorf("ResultExchange = %q, want x.moderation.result", cfg.ResultExchange)
	}
	if cfg.EgressExchange != "x.moderation.egress" {
		t.Errorf("EgressExchange = %q, want x.moderation.egress", cfg.EgressExchange)
	}
	if cfg.PrefetchCount != 1 {
		t.Errorf("PrefetchCount = %d, want 1", cfg.PrefetchCount)
	}
	if cfg.AggregationTTLSeconds != 3600*time.Second {
		t.Errorf("AggregationTTLSeconds = %v, want 3600s", cfg.AggregationTTLSeconds)
	}
	if len(cfg.TextTargets) != 1 || cfg.TextTargets[0] != "text_toxicity_check" {
		t.Errorf("TextTargets = %v", cfg.TextTargets)
	}
	if len(cfg.ImageTargets) != 1 || cfg.ImageTargets[0] != "image_nsfw_check" {
		t.Errorf("ImageTargets = %v", cfg.ImageTargets)
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	tests := []struct {
		appEnv string
		isDev  bool
		isProd bool
		isTest bool
	}{
		{"dev", true, false, false},
		{"prod", false, true, false},
		{"test", false, false, true},
		{"DEV", true, false, false},
		{"staging", false, false, false},
	}
	for _, tt := range tests {
		c := Config{AppEnv: tt.appEnv}
		if c.IsDev() != tt.isDev {
			t.Errorf("IsDev() for %q = %v, want %v", tt.appEnv, c.IsDev(), tt.isDev)
		}
		if c.IsProd() != tt.isProd {
			t.Errorf("IsProd() for %q = %v, want %v", tt.appEnv, c.IsProd(), tt.isProd)
		}
		if c.IsTest() != tt.isTest {
			t.Errorf("IsTest() for %q = %v, want %v", tt.appEnv, c.IsTest(), tt.isTest)
		}
	}
}
