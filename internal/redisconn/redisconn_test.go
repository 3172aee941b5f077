package redisconn

import (
	"testing"
	"time"
)

func TestConfigOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      Config
		wantAddr string
		wantDB   int
		wantErr  bool
	}{
		{name: "default", cfg: Config{}, wantAddr: "localhost:6379"},
		{name: "url", cfg: Config{URL: "redis://:secret@cache:6380/3"}, wantAddr: "cache:6380", wantDB: 3},
		{name: "addr", cfg: Config{Addr: "10.0.0.1:6379", DB: 2}, wantAddr: "10.0.0.1:6379", wantDB: 2},
		{name: "bad url", cfg: Config{URL: "http://nope"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.cfg.Defaults()
			opt, err := tt.cfg.Options()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if opt.Addr != tt.wantAddr || opt.DB != tt.wantDB {
				t.Errorf("addr = %q db = %d, want %q %d", opt.Addr, opt.DB, tt.wantAddr, tt.wantDB)
			}
			if opt.DialTimeout != defaultDialTimeout {
				t.Errorf("dial timeout = %s", opt.DialTimeout)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	c := Config{Addr: "x:1", DB: -1}
	if err := c.Validate(); err == nil {
		t.Error("negative db accepted")
	}
	c = Config{Addr: "x:1", DialTimeout: -time.Second}
	if err := c.Validate(); err == nil {
		t.Error("negative dial_timeout accepted")
	}
}
