package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate, got: %v", err)
	}
}

func TestValidateRejectsUnknownTransportKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.Kind = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown transport kind")
	}
}

func TestValidateRequiresDatabaseURLWhenAuditEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when audit enabled without database_url")
	}
	cfg.Audit.DatabaseURL = "postgres://localhost/x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error once database_url is set, got: %v", err)
	}
}
