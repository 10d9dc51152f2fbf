// Package settings holds the configuration of a run and of the runsync
// service. Settings are addressed by name so they can be loaded from
// environment variables, ini files and command line flags in the same way.
package settings

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnknownSetting is returned for a setting name that does not exist
	ErrUnknownSetting = errors.New("unknown setting")
	// ErrFrozen is returned when modifying frozen settings
	ErrFrozen = errors.New("settings are frozen")
	// ErrInvalidChoice is returned when a value is not one of the allowed choices
	ErrInvalidChoice = errors.New("invalid choice")
)

// Run modes
const (
	ModeOnline   = "online"
	ModeOffline  = "offline"
	ModeDryrun   = "dryrun"
	ModeRun      = "run"
	ModeDisabled = "disabled"
)

var choices = map[string][]string{
	"mode":      {ModeOnline, ModeOffline, ModeDryrun, ModeRun, ModeDisabled},
	"resume":    {"", "allow", "must", "never", "auto"},
	"anonymous": {"", "must", "allow", "never"},
	"log_level": {"", "debug", "info", "warn", "error"},
}

// Settings for a run. Each field has a setting name and, optionally, the
// environment variable that overrides it.
type Settings struct {
	BaseURL     string   `setting:"base_url" env:"WANDB_BASE_URL"`
	APIKey      string   `setting:"api_key" env:"WANDB_API_KEY"`
	Entity      string   `setting:"entity" env:"WANDB_ENTITY"`
	Project     string   `setting:"project" env:"WANDB_PROJECT"`
	RunID       string   `setting:"run_id" env:"WANDB_RUN_ID"`
	RunGroup    string   `setting:"run_group" env:"WANDB_RUN_GROUP"`
	JobType     string   `setting:"job_type" env:"WANDB_JOB_TYPE"`
	RunName     string   `setting:"run_name" env:"WANDB_NAME"`
	RunNotes    string   `setting:"run_notes" env:"WANDB_NOTES"`
	RunTags     []string `setting:"run_tags" env:"WANDB_TAGS"`
	SweepID     string   `setting:"sweep_id" env:"WANDB_SWEEP_ID"`
	Mode        string   `setting:"mode" env:"WANDB_MODE"`
	Resume      string   `setting:"resume" env:"WANDB_RESUME"`
	Anonymous   string   `setting:"anonymous" env:"WANDB_ANONYMOUS"`
	RootDir     string   `setting:"root_dir"`
	WandbDir    string   `setting:"wandb_dir" env:"WANDB_DIR"`
	Program     string   `setting:"program" env:"WANDB_PROGRAM"`
	Host        string   `setting:"host" env:"WANDB_HOST"`
	GitRemote   string   `setting:"git_remote" env:"WANDB_GIT_REMOTE"`
	IgnoreGlobs []string `setting:"ignore_globs" env:"WANDB_IGNORE_GLOBS"`
	ConfigPaths []string `setting:"config_paths" env:"WANDB_CONFIG_PATHS"`

	DisableStats          bool          `setting:"disable_stats" env:"WANDB_DISABLE_STATS"`
	DisableMeta           bool          `setting:"disable_meta" env:"WANDB_DISABLE_META"`
	StatsSampleRate       time.Duration `setting:"stats_sample_rate"`
	StatsSamplesToAverage int           `setting:"stats_samples_to_average"`
	InternalQueueTimeout  time.Duration `setting:"internal_queue_timeout"`
	FileStreamInterval    time.Duration `setting:"file_stream_interval"`
	LogLevel              string        `setting:"log_level" env:"WANDB_LOG_LEVEL"`

	// StartTime is set when the run starts and is used to name the run dir
	StartTime time.Time `setting:"start_time"`
	// SyncDir is the dir of an existing run that is being uploaded. When set
	// it is used as the run dir.
	SyncDir string `setting:"sync_dir"`

	frozen bool
}

// New returns empty settings. Call SetDefaults to fill in default values.
func New() *Settings {
	return &Settings{}
}

// SetDefaults fills unset settings with default values
func (s *Settings) SetDefaults() {
	if s.BaseURL == "" {
		s.BaseURL = "https://api.wandb.ai"
	}
	if s.Mode == "" {
		s.Mode = ModeOnline
	}
	if s.WandbDir == "" {
		s.WandbDir = "wandb"
	}
	if s.GitRemote == "" {
		s.GitRemote = "origin"
	}
	if s.IgnoreGlobs == nil {
		s.IgnoreGlobs = []string{}
	}
	if s.StatsSampleRate == 0 {
		s.StatsSampleRate = 2 * time.Second
	}
	if s.StatsSamplesToAverage == 0 {
		s.StatsSamplesToAverage = 15
	}
	if s.InternalQueueTimeout == 0 {
		s.InternalQueueTimeout = time.Second
	}
	if s.FileStreamInterval == 0 {
		s.FileStreamInterval = 15 * time.Second
	}
}

type fieldInfo struct {
	name  string
	env   string
	index int
}

var fields = func() map[string]fieldInfo {
	ret := make(map[string]fieldInfo)
	t := reflect.TypeOf(Settings{})
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name := sf.Tag.Get("setting")
		if name == "" {
			continue
		}
		ret[name] = fieldInfo{name: name, env: sf.Tag.Get("env"), index: i}
	}
	return ret
}()

// Names returns all setting names, sorted
func Names() []string {
	ret := make([]string, 0, len(fields))
	for n := range fields {
		ret = append(ret, n)
	}
	sort.Strings(ret)
	return ret
}

// Get returns the value of a setting by name
func (s *Settings) Get(name string) (any, error) {
	fi, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSetting, name)
	}
	return reflect.ValueOf(s).Elem().Field(fi.index).Interface(), nil
}

// Strings returns every setting formatted so that Update can parse it again.
// Settings are sent to the service in this form.
func (s *Settings) Strings() map[string]string {
	ret := make(map[string]string, len(fields))
	sv := reflect.ValueOf(s).Elem()

	for name, fi := range fields {
		switch v := sv.Field(fi.index).Interface().(type) {
		case string:
			ret[name] = v
		case []string:
			ret[name] = strings.Join(v, ",")
		case bool:
			ret[name] = strconv.FormatBool(v)
		case int:
			ret[name] = strconv.Itoa(v)
		case time.Duration:
			ret[name] = v.String()
		case time.Time:
			if !v.IsZero() {
				ret[name] = v.Format(time.RFC3339Nano)
			}
		}
	}

	return ret
}

// Set a single setting by name. Strings are parsed according to the type of
// the setting.
func (s *Settings) Set(name string, value any) error {
	return s.Update(map[string]any{name: value})
}

// Update sets several settings at once. If any name is unknown or any value is
// invalid, nothing is changed.
func (s *Settings) Update(values map[string]any) error {
	if s.frozen {
		return ErrFrozen
	}

	type pending struct {
		index int
		v     reflect.Value
	}

	var sets []pending
	sv := reflect.ValueOf(s).Elem()

	for name, value := range values {
		fi, ok := fields[name]
		if !ok {
			return fmt.Errorf("%w: %v", ErrUnknownSetting, name)
		}

		v, err := convert(sv.Field(fi.index).Type(), value)
		if err != nil {
			return fmt.Errorf("setting %v: %w", name, err)
		}

		if c, ok := choices[name]; ok {
			str := v.String()
			valid := false
			for _, allowed := range c {
				if str == allowed {
					valid = true
					break
				}
			}
			if !valid {
				return fmt.Errorf("%w: %v=%q, must be one of %v", ErrInvalidChoice,
					name, str, c)
			}
		}

		sets = append(sets, pending{fi.index, v})
	}

	for _, p := range sets {
		sv.Field(p.index).Set(p.v)
	}

	return nil
}

func convert(t reflect.Type, value any) (reflect.Value, error) {
	v := reflect.ValueOf(value)
	if v.IsValid() && v.Type().AssignableTo(t) {
		if t.Kind() == reflect.Slice {
			// copy so callers can't modify our slice
			c := reflect.MakeSlice(t, v.Len(), v.Len())
			reflect.Copy(c, v)
			return c, nil
		}
		return v, nil
	}

	str, ok := value.(string)
	if !ok {
		return reflect.Value{}, fmt.Errorf("can't use %T as %v", value, t)
	}

	switch t {
	case reflect.TypeOf(time.Duration(0)):
		d, err := parseDuration(str)
		return reflect.ValueOf(d), err
	case reflect.TypeOf(time.Time{}):
		tm, err := time.Parse(time.RFC3339Nano, str)
		return reflect.ValueOf(tm), err
	}

	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(str), nil
	case reflect.Bool:
		b, err := strconv.ParseBool(str)
		return reflect.ValueOf(b), err
	case reflect.Int:
		i, err := strconv.Atoi(str)
		return reflect.ValueOf(i), err
	case reflect.Slice:
		ret := []string{}
		for _, p := range strings.Split(str, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				ret = append(ret, p)
			}
		}
		return reflect.ValueOf(ret), nil
	}

	return reflect.Value{}, fmt.Errorf("unsupported setting type: %v", t)
}

// parseDuration accepts Go durations and plain seconds
func parseDuration(s string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Freeze prevents further modification
func (s *Settings) Freeze() {
	s.frozen = true
}

// Frozen returns true if settings can no longer be modified
func (s *Settings) Frozen() bool {
	return s.frozen
}

// Clone returns an unfrozen deep copy
func (s *Settings) Clone() *Settings {
	c := *s
	c.frozen = false
	c.RunTags = append([]string(nil), s.RunTags...)
	c.ConfigPaths = append([]string(nil), s.ConfigPaths...)
	if s.IgnoreGlobs != nil {
		c.IgnoreGlobs = append([]string{}, s.IgnoreGlobs...)
	}
	return &c
}

// ApplyEnviron applies WANDB_* variables from environ. Variables that are not
// set are ignored.
func (s *Settings) ApplyEnviron(environ map[string]string) error {
	values := make(map[string]any)
	for name, fi := range fields {
		if fi.env == "" {
			continue
		}
		if v, ok := environ[fi.env]; ok {
			values[name] = v
		}
	}
	return s.Update(values)
}

// Offline returns true if nothing should be sent to the backend
func (s *Settings) Offline() bool {
	return s.Mode == ModeOffline || s.Mode == ModeDryrun
}

// RunDir returns the directory that holds everything for this run
func (s *Settings) RunDir() string {
	if s.SyncDir != "" {
		return s.SyncDir
	}
	prefix := "run"
	if s.Offline() {
		prefix = "offline-run"
	}
	name := fmt.Sprintf("%v-%v-%v", prefix, s.StartTime.Format("20060102_150405"), s.RunID)
	return filepath.Join(s.RootDir, s.WandbDir, name)
}

// FilesDir is where files that will be uploaded are staged
func (s *Settings) FilesDir() string {
	return filepath.Join(s.RunDir(), "files")
}

// SyncFile is the transaction log for the run
func (s *Settings) SyncFile() string {
	return filepath.Join(s.RunDir(), fmt.Sprintf("run-%v.wandb", s.RunID))
}

// LogInternal is the log file of the internal service for this run
func (s *Settings) LogInternal() string {
	return filepath.Join(s.RunDir(), "logs", "debug-internal.log")
}

// IndexFile is the sqlite database that tracks local runs
func (s *Settings) IndexFile() string {
	return filepath.Join(s.RootDir, s.WandbDir, "runs.sqlite")
}
