// Package login manages the API key used to talk to the backend. Keys are
// stored in the user's netrc file, keyed by the backend host.
package login

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/jdxcode/netrc"
	"github.com/mitchellh/go-homedir"
	"github.com/runsync/runsync/api"
	"github.com/runsync/runsync/settings"
	"golang.org/x/term"
)

var (
	// ErrInvalidKey is returned for keys with the wrong length
	ErrInvalidKey = errors.New("API key must be 40 characters long")
	// ErrNotConfigured is returned when no key exists and we can't prompt for one
	ErrNotConfigured = errors.New("api_key not configured (no-tty). Run runsync login")
	// ErrInvalidAnonymous is returned for unknown anonymous modes
	ErrInvalidAnonymous = errors.New("anonymous must be set to \"must\", \"allow\" or \"never\"")
)

const keyLength = 40

// Backend is the part of the backend API used while logging in
type Backend interface {
	SetAPIKey(key string)
	Viewer(ctx context.Context) (*api.Viewer, error)
	CreateAnonymousKey(ctx context.Context) (string, error)
}

// NetrcPath returns the location of the netrc file
func NetrcPath() string {
	if p := os.Getenv("NETRC"); p != "" {
		return p
	}
	p, err := homedir.Expand("~/.netrc")
	if err != nil {
		return ".netrc"
	}
	return p
}

// Host returns the netrc machine name for a base URL
func Host(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Hostname()
}

// APIKey returns the key from settings if set, otherwise the key stored in
// netrc for the settings base URL. An empty string is returned if there is
// no key.
func APIKey(s *settings.Settings) (string, error) {
	if s.APIKey != "" {
		return s.APIKey, nil
	}

	path := NetrcPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	n, err := netrc.Parse(path)
	if err != nil {
		return "", fmt.Errorf("Error parsing %v: %w", path, err)
	}

	m := n.Machine(Host(s.BaseURL))
	if m == nil {
		return "", nil
	}

	return m.Get("password"), nil
}

// CheckKey validates the length of a key. Keys may have a "<prefix>-" in
// front, which is not counted.
func CheckKey(key string) error {
	k := key
	if i := strings.LastIndex(key, "-"); i >= 0 {
		k = key[i+1:]
	}
	if len(k) != keyLength {
		return fmt.Errorf("%w, yours was %v", ErrInvalidKey, len(k))
	}
	return nil
}

// WriteKey stores a key in netrc for the settings base URL
func WriteKey(s *settings.Settings, key string) error {
	if err := CheckKey(key); err != nil {
		return err
	}

	path := NetrcPath()

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("Error locking %v: %w", path, err)
	}
	defer lock.Unlock()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, nil, 0600); err != nil {
			return err
		}
	}

	n, err := netrc.Parse(path)
	if err != nil {
		return fmt.Errorf("Error parsing %v: %w", path, err)
	}

	host := Host(s.BaseURL)
	n.RemoveMachine(host)
	n.AddMachine(host, "user", key)

	if err := n.Save(); err != nil {
		return err
	}

	return os.Chmod(path, 0600)
}

// Options for Login
type Options struct {
	Settings *settings.Settings
	Backend  Backend
	// Key is used instead of a stored key or prompting
	Key string
	// Relogin forces a new key even if one is stored
	Relogin bool
	// In and Out are used for prompting. In must be a terminal for prompts
	// to be shown.
	In  *os.File
	Out io.Writer
}

// Login makes sure a valid API key is available. It returns false if the
// run is offline and no key is needed.
func Login(ctx context.Context, o Options) (bool, error) {
	s := o.Settings
	if o.Out == nil {
		o.Out = os.Stderr
	}
	logger := log.New(o.Out, "runsync: ", log.Lmsgprefix)

	switch s.Anonymous {
	case "", "must", "allow", "never":
	default:
		return false, ErrInvalidAnonymous
	}

	if s.Offline() {
		return false, nil
	}

	key := o.Key
	if key == "" && !o.Relogin {
		var err error
		key, err = APIKey(s)
		if err != nil {
			return false, err
		}

		if key != "" {
			o.Backend.SetAPIKey(key)
			v, err := o.Backend.Viewer(ctx)
			if err != nil {
				return false, err
			}
			logger.Printf("Currently logged in as: %v", v.Entity)
			s.APIKey = key
			return true, nil
		}
	}

	if key == "" && s.Anonymous == "must" {
		var err error
		key, err = o.Backend.CreateAnonymousKey(ctx)
		if err != nil {
			return false, err
		}
	}

	if key == "" {
		if o.In == nil || !term.IsTerminal(int(o.In.Fd())) {
			return false, ErrNotConfigured
		}

		var err error
		key, err = prompt(o.In, o.Out, s.BaseURL)
		if err != nil {
			return false, err
		}
	}

	if err := WriteKey(s, key); err != nil {
		return false, err
	}

	s.APIKey = key
	o.Backend.SetAPIKey(key)

	v, err := o.Backend.Viewer(ctx)
	if err != nil {
		return false, err
	}

	logger.Printf("Logged in as: %v", v.Entity)

	return true, nil
}

func prompt(in *os.File, out io.Writer, baseURL string) (string, error) {
	fmt.Fprintf(out, "You can find your API key in your browser here: %v/authorize\n", baseURL)
	fmt.Fprint(out, "Paste an API key from your profile and hit enter: ")

	if b, err := term.ReadPassword(int(in.Fd())); err == nil {
		fmt.Fprintln(out)
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}

	return strings.TrimSpace(line), nil
}
