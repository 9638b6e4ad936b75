package config

import (
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Setting keys. They live under the "settings" section of config.yaml.
const (
	KeyRotationInterval    = "settings.rotation_interval_ms"
	KeyQuotaBytes          = "settings.quota_bytes"
	KeyAutoStart           = "settings.auto_start"
	KeyAutoReloadOnFailure = "settings.auto_reload_on_failure"
)

const (
	GiB = int64(1024 * 1024 * 1024)

	DefaultRotationInterval = time.Minute
	MinRotationInterval     = time.Minute
	MaxRotationInterval     = time.Hour
	DefaultQuotaBytes       = GiB
	MinQuotaBytes           = GiB
	MaxQuotaBytes           = 100 * GiB
)

var watchedKeys = []string{KeyRotationInterval, KeyQuotaBytes, KeyAutoStart, KeyAutoReloadOnFailure}

func setSettingDefaults(v *viper.Viper) {
	v.SetDefault(KeyRotationInterval, DefaultRotationInterval.Milliseconds())
	v.SetDefault(KeyQuotaBytes, DefaultQuotaBytes)
	v.SetDefault(KeyAutoStart, true)
	v.SetDefault(KeyAutoReloadOnFailure, false)
}

// Settings is the watched key/value configuration that feeds the recorder's timers.
// Values come from viper, so they can be changed by editing config.yaml at runtime,
// through LIVEREC_* env vars, or by calling Set.
type Settings struct {
	mu       sync.RWMutex
	v        *viper.Viper
	watchers map[string]map[int]func(any)
	nextID   int
	last     map[string]any
}

func NewSettings(v *viper.Viper) *Settings {
	if v == nil {
		v = viper.New()
	}
	setSettingDefaults(v)
	s := &Settings{
		v:        v,
		watchers: make(map[string]map[int]func(any)),
		last:     make(map[string]any),
	}
	for _, key := range watchedKeys {
		s.last[key] = s.read(key)
	}
	return s
}

func (s *Settings) RotationInterval() time.Duration {
	return s.Get(KeyRotationInterval).(time.Duration)
}

func (s *Settings) QuotaBytes() int64 {
	return s.Get(KeyQuotaBytes).(int64)
}

func (s *Settings) AutoStart() bool {
	return s.Get(KeyAutoStart).(bool)
}

func (s *Settings) AutoReloadOnFailure() bool {
	return s.Get(KeyAutoReloadOnFailure).(bool)
}

// Get returns the typed, range-clamped value of a setting key.
func (s *Settings) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(key)
}

func (s *Settings) read(key string) any {
	switch key {
	case KeyRotationInterval:
		d := time.Duration(s.v.GetInt64(key)) * time.Millisecond
		return clampDuration(d, MinRotationInterval, MaxRotationInterval)
	case KeyQuotaBytes:
		return clampInt64(s.v.GetInt64(key), MinQuotaBytes, MaxQuotaBytes)
	case KeyAutoStart, KeyAutoReloadOnFailure:
		return s.v.GetBool(key)
	default:
		return s.v.Get(key)
	}
}

// Set stores a value and fires the key's watchers when the effective value changed.
func (s *Settings) Set(key string, value any) {
	s.mu.Lock()
	s.v.Set(key, value)
	s.mu.Unlock()
	s.notify()
}

// Watch registers fn for changes of key. The returned func removes the watcher.
func (s *Settings) Watch(key string, fn func(value any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]func(any))
	}
	id := s.nextID
	s.nextID++
	s.watchers[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[key], id)
	}
}

// WatchConfig makes edits of the underlying config file reach the watchers.
func (s *Settings) WatchConfig() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		s.notify()
	})
	s.v.WatchConfig()
}

func (s *Settings) notify() {
	type change struct {
		value any
		fns   []func(any)
	}

	s.mu.Lock()
	var changes []change
	for _, key := range watchedKeys {
		current := s.read(key)
		if reflect.DeepEqual(current, s.last[key]) {
			continue
		}
		s.last[key] = current
		c := change{value: current}
		for _, fn := range s.watchers[key] {
			c.fns = append(c.fns, fn)
		}
		changes = append(changes, c)
	}
	s.mu.Unlock()

	for _, c := range changes {
		for _, fn := range c.fns {
			fn(c.value)
		}
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func clampInt64(n, lo, hi int64) int64 {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
