package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID:  1,
		DataDir: "./test-data",
		Store: StoreConfiguration{
			Driver: StoreSQLite,
			DSN:    "registrations.db",
		},
		Session: SessionConfiguration{
			MinKeepSeconds: 300,
			MaxKeepSeconds: 600,
			CleanIntervalS: 60,
		},
		Watch: WatchConfiguration{
			TimeoutSeconds: 60,
			ExpiryMinutes:  60,
		},
		Callback: CallbackConfiguration{
			TimeoutMS:           10000,
			MaxFailCount:        5,
			FailWindowHours:     24,
			RetryInitialSeconds: 60,
			RetryMaxSeconds:     3600,
			RetryMultiplier:     2.0,
		},
		Source: SourceConfiguration{
			Type: "none",
		},
		HTTP: HTTPConfiguration{
			Port: 10000,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_DefaultConfig(t *testing.T) {
	if err := Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got: %v", err)
	}
}

func TestValidate_InvalidHTTPPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = validConfig()
		Config.HTTP.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid HTTP port %d", port)
		}
	}
}

func TestValidate_StoreDriver(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Store.Driver = "postgres"
	if err := Validate(); err == nil {
		t.Error("Expected error for unknown store driver")
	}

	Config = validConfig()
	Config.Store.Driver = StoreMySQL
	Config.Store.DSN = ""
	if err := Validate(); err == nil {
		t.Error("Expected error for mysql store without dsn")
	}

	Config.Store.DSN = "user:pass@tcp(localhost:3306)/senseeact"
	if err := Validate(); err != nil {
		t.Errorf("Expected mysql store with dsn to be valid, got: %v", err)
	}
}

func TestValidate_SessionKeep(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Session.MaxKeepSeconds = 100
	if err := Validate(); err == nil {
		t.Error("Expected error when max keep is below min keep")
	}
}

func TestValidate_Callback(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"zero fail count", func(c *Configuration) { c.Callback.MaxFailCount = 0 }},
		{"negative window", func(c *Configuration) { c.Callback.FailWindowHours = -1 }},
		{"max below initial", func(c *Configuration) { c.Callback.RetryMaxSeconds = 10 }},
		{"multiplier below one", func(c *Configuration) { c.Callback.RetryMultiplier = 0.5 }},
		{"zero timeout", func(c *Configuration) { c.Callback.TimeoutMS = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = validConfig()
			tt.mutate(Config)
			if err := Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_Push(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Push.Enabled = true
	Config.Push.Gateway = "fcm"
	Config.Push.RetryDelaySeconds = 10
	if err := Validate(); err == nil {
		t.Error("Expected error for fcm gateway without project id")
	}

	Config.Push.FCM.ProjectID = "senseeact-app"
	if err := Validate(); err != nil {
		t.Errorf("Expected fcm gateway with project id to be valid, got: %v", err)
	}

	Config.Push.Gateway = "apns"
	if err := Validate(); err == nil {
		t.Error("Expected error for unknown push gateway")
	}

	// Disabled push is not validated
	Config.Push.Enabled = false
	if err := Validate(); err != nil {
		t.Errorf("Expected disabled push to skip validation, got: %v", err)
	}
}

func TestValidate_Source(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Source.Type = "kafka"
	if err := Validate(); err == nil {
		t.Error("Expected error for kafka source without brokers")
	}

	Config.Source.KafkaBrokers = []string{"localhost:9092"}
	if err := Validate(); err != nil {
		t.Errorf("Expected kafka source with brokers to be valid, got: %v", err)
	}

	Config.Source.Type = "amqp"
	if err := Validate(); err == nil {
		t.Error("Expected error for unknown source type")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	dir := t.TempDir()
	Config.DataDir = filepath.Join(dir, "data")

	configPath := filepath.Join(dir, "config.toml")
	content := `
node_id = 42
data_dir = "` + filepath.Join(dir, "data") + `"

[store]
driver = "pebble"
path = "regs"

[watch]
timeout_seconds = 30
expiry_minutes = 90

[callback]
max_fail_count = 3
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := Load(configPath); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 42 {
		t.Errorf("Expected node_id 42, got %d", Config.NodeID)
	}
	if Config.Store.Driver != StorePebble {
		t.Errorf("Expected pebble driver, got %s", Config.Store.Driver)
	}
	if Config.Watch.TimeoutSeconds != 30 || Config.Watch.ExpiryMinutes != 90 {
		t.Errorf("Unexpected watch config: %+v", Config.Watch)
	}
	if Config.Callback.MaxFailCount != 3 {
		t.Errorf("Expected max_fail_count 3, got %d", Config.Callback.MaxFailCount)
	}
	// Values absent from the file keep what was there before
	if Config.Callback.FailWindowHours != 24 {
		t.Errorf("Expected fail window to stay 24, got %d", Config.Callback.FailWindowHours)
	}
	if _, err := os.Stat(Config.DataDir); err != nil {
		t.Errorf("Expected data dir to be created: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.DataDir = t.TempDir()

	if err := Load(filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if Config.Watch.TimeoutSeconds != 60 {
		t.Errorf("Expected default timeout, got %d", Config.Watch.TimeoutSeconds)
	}
}

func TestStorePath(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.DataDir = "/var/lib/notifyd"

	if got := StorePath("registrations.db"); got != "/var/lib/notifyd/registrations.db" {
		t.Errorf("Unexpected relative store path: %s", got)
	}
	if got := StorePath("/tmp/regs.db"); got != "/tmp/regs.db" {
		t.Errorf("Unexpected absolute store path: %s", got)
	}
}
