package config

import (
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		in      Config
		want    Config
		wantErr string
	}{
		{
			name: "defaults",
			want: Config{
				Loader: loader{Workers: runtime.NumCPU(), LocalSymbols: "eager"},
				Output: output{Color: "auto"},
			},
		},
		{
			name: "explicit",
			in: Config{
				Loader: loader{Verify: true, Workers: 3, LocalSymbols: "LAZY"},
				Output: output{JSON: true, Color: "Never"},
			},
			want: Config{
				Loader: loader{Verify: true, Workers: 3, LocalSymbols: "lazy"},
				Output: output{JSON: true, Color: "never"},
			},
		},
		{
			name:    "negative workers",
			in:      Config{Loader: loader{Workers: -1}},
			wantErr: "workers",
		},
		{
			name:    "bad local symbols mode",
			in:      Config{Loader: loader{LocalSymbols: "sometimes"}},
			wantErr: "local_symbols",
		},
		{
			name:    "bad color mode",
			in:      Config{Output: output{Color: "rainbow"}},
			wantErr: "color",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.in
			err := c.verify()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("verify() error = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("verify() error = %v", err)
			}
			if c != tt.want {
				t.Errorf("verify() = %+v, want %+v", c, tt.want)
			}
		})
	}
}

func TestForceColor(t *testing.T) {
	for mode, want := range map[string]*bool{"auto": nil, "always": new(bool), "never": new(bool)} {
		if want != nil {
			*want = mode == "always"
		}
		c := Config{Output: output{Color: mode}}
		got := c.ForceColor()
		if (got == nil) != (want == nil) || (got != nil && *got != *want) {
			t.Errorf("ForceColor() for %s = %v, want %v", mode, got, want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("loader.workers", 2)
	viper.Set("loader.local_symbols", "lazy")
	viper.Set("output.color", "always")

	c, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if c.Loader.Workers != 2 || !c.LazyLocalSymbols() || c.ForceColor() == nil || !*c.ForceColor() {
		t.Errorf("LoadConfig() = %+v", c)
	}

	viper.Set("loader.workers", -4)
	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() with negative workers succeeded")
	}
}
