package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/runsync/runsync/agent"
	"github.com/runsync/runsync/api"
	"github.com/runsync/runsync/local"
	"github.com/runsync/runsync/login"
	"github.com/runsync/runsync/pull"
	"github.com/runsync/runsync/server"
	"github.com/runsync/runsync/settings"
	"github.com/runsync/runsync/store"
	"github.com/runsync/runsync/syncer"
	"github.com/runsync/runsync/update"
)

func runLogin(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("login", flag.ExitOnError)
	flagRelogin := flags.Bool("relogin", false, "Force relogin if already logged in")
	flagHost := flags.String("host", "", "Login to a specific backend, ex: http://localhost:9000")
	flagAnonymously := flags.Bool("anonymously", false, "Log in anonymously")

	if err := flags.Parse(args); err != nil {
		return err
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}

	if *flagHost != "" {
		s.BaseURL = *flagHost
		if err := settings.WriteSetting(settings.GlobalFile(), "base_url", *flagHost); err != nil {
			return err
		}
	}

	if *flagAnonymously {
		s.Anonymous = "must"
	}

	// login always talks to the backend
	s.Mode = settings.ModeOnline

	_, err = login.Login(ctx, login.Options{
		Settings: s,
		Backend:  api.NewClient(s.BaseURL, ""),
		Key:      flags.Arg(0),
		Relogin:  *flagRelogin,
		In:       os.Stdin,
		Out:      os.Stderr,
	})

	return err
}

func runInit(args []string) error {
	flags := flag.NewFlagSet("init", flag.ExitOnError)
	flagEntity := flags.String("entity", "", "Entity runs are logged to")
	flagProject := flags.String("project", "", "Project runs are logged to")
	flagMode := flags.String("mode", "", "Default mode, online or offline")

	if err := flags.Parse(args); err != nil {
		return err
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}

	path := s.LocalFile()

	for _, kv := range []struct{ key, value string }{
		{"entity", *flagEntity},
		{"project", *flagProject},
		{"mode", *flagMode},
	} {
		if kv.value == "" {
			continue
		}
		if err := settings.WriteSetting(path, kv.key, kv.value); err != nil {
			return err
		}
	}

	log.Println("This directory is configured, settings are in ", path)

	return nil
}

func runSync(args []string) error {
	flags := flag.NewFlagSet("sync", flag.ExitOnError)
	flagEntity := flags.String("entity", "", "Entity to sync to")
	flagProject := flags.String("project", "", "Project to sync to")
	flagID := flags.String("id", "", "Run id to use, only valid with a single path")
	flagAll := flags.Bool("all", false, "Sync every run in the index that was not synced")

	if err := flags.Parse(args); err != nil {
		return err
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}
	s.Mode = settings.ModeOnline

	key, err := login.APIKey(s)
	if err != nil {
		return err
	}
	if key == "" {
		return login.ErrNotConfigured
	}

	index, err := store.NewSqliteDb(s.IndexFile())
	if err != nil {
		return err
	}
	defer index.Close()

	paths := flags.Args()

	if *flagAll {
		runs, err := index.Unsynced()
		if err != nil {
			return err
		}
		for _, r := range runs {
			if r.State != store.RunStateFinished && r.Mode == settings.ModeOffline {
				log.Printf("Skipping run %v, it has not finished", r.ID)
				continue
			}
			paths = append(paths, r.SyncFile)
		}
	}

	if len(paths) == 0 {
		return errors.New("nothing to sync, give a run dir or -all")
	}

	if *flagID != "" && len(paths) > 1 {
		return errors.New("-id can only be used with a single run")
	}

	var failed int

	for _, p := range paths {
		logPath, err := syncer.FindLog(p)
		if err != nil {
			log.Println("Error finding transaction log: ", err)
			failed++
			continue
		}

		log.Println("Syncing ", logPath)

		err = syncer.New(syncer.Options{
			Path:     logPath,
			Settings: s,
			API:      api.NewClient(s.BaseURL, key),
			Entity:   *flagEntity,
			Project:  *flagProject,
			RunID:    *flagID,
			Index:    index,
		}).Sync()
		if err != nil {
			log.Printf("Error syncing %v: %v", logPath, err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%v of %v runs failed to sync", failed, len(paths))
	}

	return nil
}

func runAgent(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("agent", flag.ExitOnError)
	flagEntity := flags.String("entity", "", "Entity of the sweep")
	flagProject := flags.String("project", "", "Project of the sweep")
	flagCount := flags.Int("count", 0, "Max number of runs, 0 for no limit")
	flagProgram := flags.String("program", "", "Program to run, defaults to the sweep program")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if flags.NArg() != 1 {
		return errors.New("usage: runsync agent [OPTION]... SWEEP_ID")
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}
	s.Mode = settings.ModeOnline

	key, err := login.APIKey(s)
	if err != nil {
		return err
	}
	if key == "" {
		return login.ErrNotConfigured
	}

	host, _ := os.Hostname()

	a := agent.New(agent.Options{
		SweepPath: flags.Arg(0),
		Entity:    firstOf(*flagEntity, s.Entity),
		Project:   firstOf(*flagProject, s.Project),
		Count:     *flagCount,
		RootDir:   s.RootDir,
		Host:      host,
		API:       api.NewClient(s.BaseURL, key),
		Func:      agent.ExecJob(*flagProgram),
	})

	return a.Loop(ctx)
}

func runLocal(ctx context.Context, args []string) error {
	var env stringList

	flags := flag.NewFlagSet("local", flag.ExitOnError)
	flags.Var(&env, "e", "Env var to pass to the container, can be repeated")
	flagUpgrade := flags.Bool("upgrade", false, "Pull the most recent image first")
	flagNoWait := flags.Bool("noWait", false, "Do not wait for the backend to be ready")

	if err := flags.Parse(args); err != nil {
		return err
	}

	id, err := local.Launch(ctx, local.Options{Env: env, Upgrade: *flagUpgrade})
	if err != nil {
		return fmt.Errorf("Failed to launch the local backend container: %w", err)
	}

	log.Printf("Local backend container %v started", id)

	if err := settings.WriteSetting(settings.GlobalFile(), "base_url", local.DefaultURL); err != nil {
		return err
	}

	if *flagNoWait {
		return nil
	}

	if err := local.WaitReady(ctx, local.DefaultURL, 0, 0); err != nil {
		return err
	}

	log.Printf("Local backend ready at %v, stop it with `docker stop %v`",
		local.DefaultURL, local.ContainerName)

	return nil
}

func runPull(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("pull", flag.ExitOnError)
	flagEntity := flags.String("entity", "", "Entity of the run")
	flagProject := flags.String("project", "", "Project of the run")
	flagDir := flags.String("dir", ".", "Directory files are written to")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if flags.NArg() != 1 {
		return errors.New("usage: runsync pull [OPTION]... [PROJECT/]RUN")
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}

	key, err := login.APIKey(s)
	if err != nil {
		return err
	}

	c := api.NewClient(s.BaseURL, key)

	entity := firstOf(*flagEntity, s.Entity)
	if entity == "" {
		v, err := c.Viewer(ctx)
		if err != nil {
			return err
		}
		entity = v.Entity
	}

	project, run := pull.ParseSlug(flags.Arg(0), firstOf(*flagProject, s.Project))

	files, err := pull.Pull(ctx, c, pull.Options{
		Entity:   entity,
		Project:  project,
		Run:      run,
		Dir:      *flagDir,
		Progress: 2 * time.Second,
	})
	if err != nil {
		return err
	}

	log.Printf("Downloaded %v files", len(files))

	return nil
}

func runStatus(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	flagSettings := flags.Bool("settings", true, "Show the current settings")

	if err := flags.Parse(args); err != nil {
		return err
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if *flagSettings {
		fmt.Fprintln(w, "Current settings:")
		for _, k := range []string{"base_url", "entity", "project", "mode", "root_dir"} {
			v, err := s.Get(k)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %v\t%v\n", k, v)
		}
		fmt.Fprintln(w)
	}

	if _, err := os.Stat(s.IndexFile()); err == nil {
		index, err := store.NewSqliteDb(s.IndexFile())
		if err != nil {
			return err
		}
		defer index.Close()

		runs, err := index.Runs()
		if err != nil {
			return err
		}

		fmt.Fprintln(w, "Local runs:")
		for _, r := range runs {
			synced := "synced"
			if !r.Synced {
				synced = "not synced"
			}
			fmt.Fprintf(w, "  %v\t%v\t%v\t%v\t%v\n", r.ID, r.Mode, r.State, synced,
				humanize.Time(r.StartTime))
		}
	}

	w.Flush()

	key, err := login.APIKey(s)
	if err != nil || key == "" || s.Offline() {
		return nil
	}

	latest, err := api.NewClient(s.BaseURL, key).LatestVersion(ctx)
	if err != nil {
		log.Println("Error checking for a new version: ", err)
		return nil
	}

	current := server.Version()
	if ok, _, err := update.Available(current, latest); err == nil && ok {
		fmt.Println(update.Message(current, latest))
	}

	return nil
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
