package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/ini.v1"
)

const section = "default"

// GlobalFile returns the path of the per user settings file
func GlobalFile() string {
	if dir := os.Getenv("WANDB_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "settings")
	}
	p, err := homedir.Expand("~/.config/wandb/settings")
	if err != nil {
		return ""
	}
	return p
}

// LocalFile returns the path of the settings file for a project directory
func (s *Settings) LocalFile() string {
	wandbDir := s.WandbDir
	if wandbDir == "" {
		wandbDir = "wandb"
	}
	return filepath.Join(s.RootDir, wandbDir, "settings")
}

// ApplyFile loads the [default] section of an ini settings file. A missing
// file is not an error. Keys that are not settings are ignored so files
// shared with other tools can be read.
func (s *Settings) ApplyFile(path string) error {
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("Error loading settings file %v: %w", path, err)
	}

	sec, err := cfg.GetSection(section)
	if err != nil {
		return nil
	}

	values := make(map[string]any)
	for _, k := range sec.Keys() {
		if _, ok := fields[k.Name()]; !ok {
			continue
		}
		values[k.Name()] = k.String()
	}

	return s.Update(values)
}

// Load applies, in order of precedence: global settings file, local
// settings file, then environ. Defaults are filled last for anything unset.
func (s *Settings) Load(environ map[string]string) error {
	if err := s.ApplyFile(GlobalFile()); err != nil {
		return err
	}
	if err := s.ApplyFile(s.LocalFile()); err != nil {
		return err
	}
	if err := s.ApplyEnviron(environ); err != nil {
		return err
	}
	s.SetDefaults()
	return nil
}

// WriteSetting persists a single key in the [default] section of an ini file,
// creating the file if needed.
func WriteSetting(path, key, value string) error {
	if _, ok := fields[key]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownSetting, key)
	}

	cfg, err := ini.LooseLoad(path)
	if err != nil {
		return fmt.Errorf("Error loading settings file %v: %w", path, err)
	}

	cfg.Section(section).Key(key).SetValue(value)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return cfg.SaveTo(path)
}

// Environ converts os.Environ style entries to a map
func Environ(env []string) map[string]string {
	ret := make(map[string]string, len(env))
	for _, e := range env {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				ret[e[:i]] = e[i+1:]
				break
			}
		}
	}
	return ret
}
