package db

import (
	"fmt"
	"maps"
	"time"

	"github.com/spf13/cast"
)

// Option keys understood by every dialect. Any other key is handed to the
// dialect as a driver parameter.
const (
	OptErrMode         = "errmode"
	OptFetchMode       = "fetch_mode"
	OptEmulatePrepares = "emulate_prepares"
	OptTimeout         = "timeout"
	OptDriver          = "driver"
)

const (
	ErrModeException = "exception"
	ErrModeWarning   = "warning"

	FetchModeAssoc = "assoc"
	FetchModeNum   = "num"
)

const defaultConnectTimeout = 5 * time.Second

// Options maps option names to values.
type Options map[string]any

// DefaultOptions returns the options every connection starts from.
func DefaultOptions() Options {
	return Options{
		OptErrMode:         ErrModeException,
		OptFetchMode:       FetchModeAssoc,
		OptEmulatePrepares: false,
	}
}

// Merge returns a copy of o with every key of override replacing the value
// in o. Keys of o not present in override are kept.
func (o Options) Merge(override Options) Options {
	out := make(Options, len(o)+len(override))
	maps.Copy(out, o)
	maps.Copy(out, override)
	return out
}

// String returns the option as a string, or "" when it is unset.
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

// DriverParams returns every option that is not one of the common keys,
// stringified, for the dialect to pass on to its driver.
func (o Options) DriverParams() map[string]string {
	params := make(map[string]string)
	for k, v := range o {
		switch k {
		case OptErrMode, OptFetchMode, OptEmulatePrepares, OptTimeout, OptDriver:
			continue
		}
		params[k] = cast.ToString(v)
	}
	return params
}

// Config describes how to reach a database.
type Config struct {
	DSN      string
	Username string
	Password string
	Options  Options

	// LostConnectionMessages replaces the default list of driver messages
	// that trigger a reconnect. Nil keeps the defaults.
	LostConnectionMessages []string
}

// MergedOptions returns the default options overridden by c.Options.
func (c Config) MergedOptions() Options {
	return DefaultOptions().Merge(c.Options)
}

// settings are the parsed common options of a Config.
type settings struct {
	errMode         string
	fetchMode       string
	emulatePrepares bool
	timeout         time.Duration
}

func (c Config) settings() (settings, error) {
	opts := c.MergedOptions()

	s := settings{
		errMode:   opts.String(OptErrMode),
		fetchMode: opts.String(OptFetchMode),
		timeout:   defaultConnectTimeout,
	}

	switch s.errMode {
	case ErrModeException, ErrModeWarning:
	default:
		return s, fmt.Errorf("invalid %s %q", OptErrMode, s.errMode)
	}

	switch s.fetchMode {
	case FetchModeAssoc, FetchModeNum:
	default:
		return s, fmt.Errorf("invalid %s %q", OptFetchMode, s.fetchMode)
	}

	emulate, err := cast.ToBoolE(opts[OptEmulatePrepares])
	if err != nil {
		return s, fmt.Errorf("invalid %s: %w", OptEmulatePrepares, err)
	}
	s.emulatePrepares = emulate

	if v, ok := opts[OptTimeout]; ok {
		t, err := ConnectTimeout(v)
		if err != nil {
			return s, err
		}
		s.timeout = t
	}

	return s, nil
}

// ConnectTimeout parses a timeout option value. Plain numbers are seconds.
func ConnectTimeout(v any) (time.Duration, error) {
	switch x := v.(type) {
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		secs, err := cast.ToFloat64E(x)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs * float64(time.Second)), nil
	case string:
		if secs, err := cast.ToFloat64E(x); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", OptTimeout, err)
	}
	return d, nil
}
