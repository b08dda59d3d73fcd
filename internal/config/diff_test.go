package config

import (
	"reflect"
	"testing"
)

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Channels: []ChannelConfig{
			{ID: "a", Owner: "u1", Kind: "email"},
			{ID: "b", Owner: "u1", Kind: "telegram", Credentials: map[string]string{"token": "t1"}},
		},
	}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Delivery: DeliveryConfig{BatchSize: 20},
		Channels: []ChannelConfig{
			{ID: "b", Owner: "u1", Kind: "telegram", Credentials: map[string]string{"token": "t2"}},
			{ID: "c", Owner: "u2", Kind: "webhook"},
		},
	}

	changed, attrs, channels := SummarizeConfigChange(oldCfg, newCfg)

	if want := []string{"channels", "delivery", "logging"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(channels, want) {
		t.Fatalf("channels = %v, want %v", channels, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestSummarizeConfigChangeNoop(t *testing.T) {
	cfg := &Config{Channels: []ChannelConfig{{ID: "a", Owner: "u", Kind: "email"}}}
	changed, _, channels := SummarizeConfigChange(cfg, cfg)
	if len(changed) != 0 || len(channels) != 0 {
		t.Fatalf("expected no changes, got %v %v", changed, channels)
	}
}
