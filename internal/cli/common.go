package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"noetl.io/noetl/internal/config"
	"noetl.io/noetl/internal/runtime"
)

// exitError carries a specific process exit code alongside the error
// message cobra prints, so Execute can propagate §6's exit-code scheme
// (0 success, 1 invalid args, 2 validation, 3 remote/server error, 4
// execution failure) out of arbitrarily nested RunE returns.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCodeFor(err error) (int, bool) {
	var ee *exitError
	if ok := asExitError(err, &ee); ok {
		return ee.code, true
	}
	return 0, false
}

func asExitError(err error, target **exitError) bool {
	for err != nil {
		if ee, ok := err.(*exitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// bootstrap loads configuration and constructs a Runtime for one CLI
// invocation's lifetime.
func bootstrap(ctx context.Context, service string) (*runtime.Runtime, error) {
	path := cfgFile
	if path == "" {
		// initConfig may have found $HOME/.noetl.yaml or ./.noetl.yaml.
		path = viper.ConfigFileUsed()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, withExit(ExitServerError, fmt.Errorf("loading config: %w", err))
	}
	if v := viper.GetString("postgres_dsn"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.RedisAddr = v
	}
	if v := viper.GetInt64("shard"); v != 0 {
		cfg.Shard = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	if v := viper.GetString("log_format"); v != "" {
		cfg.LogFormat = v
	}

	rt, err := runtime.New(ctx, cfg, service)
	if err != nil {
		return nil, withExit(ExitServerError, fmt.Errorf("starting runtime: %w", err))
	}
	return rt, nil
}

// parseSetFlags turns a repeated --set key=value flag into a nested
// workload map, splitting dotted keys into nested objects (`a.b=1` →
// {"a":{"b":1}}) so operators can override deep workload fields from the
// shell without authoring a JSON file.
func parseSetFlags(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", p)
		}
		setDotted(out, strings.Split(parts[0], "."), parseScalar(parts[1]))
	}
	return out, nil
}

func setDotted(m map[string]any, path []string, value any) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	next, ok := m[path[0]].(map[string]any)
	if !ok {
		next = map[string]any{}
		m[path[0]] = next
	}
	setDotted(next, path[1:], value)
}

func parseScalar(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
