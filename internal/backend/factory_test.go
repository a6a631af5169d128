package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"chanfs/internal/chat"
	"chanfs/internal/config"
)

func TestNewBackendFromConfig(t *testing.T) {
	tests := []struct {
		name            string
		cfg             config.BackendConfig
		wantErr         bool
		wantLightweight bool
	}{
		{
			name: "memory backend",
			cfg:  config.BackendConfig{Type: "memory", Name: "test-memory"},
		},
		{
			name:            "lightweight memory backend",
			cfg:             config.BackendConfig{Type: "memory", Name: "light", Lightweight: true},
			wantLightweight: true,
		},
		{
			name: "sqlite backend",
			cfg:  config.BackendConfig{Type: "sqlite", Name: "test-sqlite", DataDir: "SET_BY_TEST", Compress: true},
		},
		{
			name:    "sqlite backend without data dir",
			cfg:     config.BackendConfig{Type: "sqlite", Name: "test-sqlite"},
			wantErr: true,
		},
		{
			name:    "s3 backend without bucket",
			cfg:     config.BackendConfig{Type: "s3", Name: "test-s3", S3Region: "us-east-1"},
			wantErr: true,
		},
		{
			name:    "unknown backend type",
			cfg:     config.BackendConfig{Type: "unknown", Name: "test-unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cfg.DataDir == "SET_BY_TEST" {
				tt.cfg.DataDir = filepath.Join(t.TempDir(), "channel")
			}

			got, err := NewBackendFromConfig(context.Background(), tt.cfg, "acct")
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewBackendFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if c, ok := got.(io.Closer); ok {
				t.Cleanup(func() { c.Close() })
			}

			if got.Lightweight() != tt.wantLightweight {
				t.Errorf("Lightweight() = %v, want %v", got.Lightweight(), tt.wantLightweight)
			}

			// Verify the backend works
			id, err := got.SendText(context.Background(), "hello")
			if err != nil {
				t.Fatalf("SendText() error = %v", err)
			}
			msgs, err := got.GetMessages(context.Background(), []chat.MessageID{id})
			if err != nil {
				t.Fatalf("GetMessages() error = %v", err)
			}
			if msgs[0] == nil || msgs[0].Text != "hello" {
				t.Errorf("GetMessages() = %+v, want text %q", msgs[0], "hello")
			}

			if tt.cfg.Type == "sqlite" {
				if _, err := os.Stat(filepath.Join(tt.cfg.DataDir, "acct.db")); err != nil {
					t.Errorf("sqlite database file not created: %v", err)
				}
			}
		})
	}
}
