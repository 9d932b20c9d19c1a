package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/cursor"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/db"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/etcd"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/jobs"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/sink"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/sync"
)

// app holds what the subcommands share. Resources are opened on demand and released by close.
type app struct {
	cfg     *Config
	client  *gateway.WebScriptClient
	store   cursor.Store
	jobs    sync.JobSource
	closers []func()
}

func execute(ctx context.Context, cfg *Config, stdout io.Writer) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	switch cfg.Command {
	case "", "run":
		return a.run(ctx, stdout)
	case "backlog":
		return a.backlog(ctx, stdout)
	case "cursor show":
		return a.showCursors(ctx, stdout)
	case "cursor reset":
		return a.resetCursors(ctx)
	case "authorities":
		return a.authorities(ctx, stdout)
	}
	return fmt.Errorf("unknown command %q", cfg.Command)
}

func newApp(cfg *Config) (*app, error) {
	timeout, err := time.ParseDuration(cfg.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid http timeout: %v", filter.ErrConfigurationInvalid, err)
	}
	client, err := gateway.NewWebScriptClient(gateway.Options{
		BaseURL:           cfg.RepositoryURL,
		Username:          cfg.Username,
		Password:          cfg.Password,
		RequestsPerSecond: cfg.RequestsPerSecond,
		HTTPClient:        &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, client: client}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openStore connects the configured cursor store.
func (a *app) openStore(ctx context.Context) error {
	var store cursor.Store
	switch a.cfg.CursorStore {
	case "postgres":
		if a.cfg.PostgresDSN == "" {
			return fmt.Errorf("%w: --postgres-dsn is required for the postgres cursor store", filter.ErrConfigurationInvalid)
		}
		pool, err := db.NewWithRetry(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		store = cursor.NewPostgresStore(pool)
	case "etcd":
		if a.cfg.EtcdDSN == "" {
			return fmt.Errorf("%w: --etcd-dsn is required for the etcd cursor store", filter.ErrConfigurationInvalid)
		}
		client, err := etcd.NewClientWithRetry(ctx, a.cfg.EtcdDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store = cursor.NewEtcdStore(client.KV(), client.Prefix())
	case "sqlite":
		s, err := cursor.OpenSQLiteStore(ctx, a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		store = s
	case "memory":
		store = cursor.NewMemoryStore()
	default:
		return fmt.Errorf("%w: unknown cursor store %q", filter.ErrConfigurationInvalid, a.cfg.CursorStore)
	}
	a.store = cursor.NewMonotonic(store)
	logrus.WithField("cursor_store", a.cfg.CursorStore).Debug("Cursor store ready")
	return nil
}

// loadJobs reads the jobs file, watching it when watch is set, or builds the single job
// described by the command line.
func (a *app) loadJobs(watch bool) error {
	store, err := gateway.ParseStoreRef(a.cfg.Store)
	if err != nil {
		return err
	}
	defaults := jobs.Defaults{Store: store, MaxBatch: a.cfg.MaxBatch}

	if a.cfg.JobsFile != "" {
		if watch {
			w, err := jobs.NewWatcher(a.cfg.JobsFile, defaults)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() { _ = w.Close() })
			a.jobs = w
			return nil
		}
		list, err := jobs.Load(a.cfg.JobsFile, defaults)
		if err != nil {
			return err
		}
		a.jobs = sync.StaticJobs(list)
		return nil
	}

	spec, err := filter.Parse([]byte(a.cfg.Filter))
	if err != nil {
		return err
	}
	job := sync.Job{
		Target:   cursor.Target{Job: a.cfg.Job, Store: store},
		Filter:   spec,
		MaxBatch: a.cfg.MaxBatch,
	}
	if err := job.Validate(); err != nil {
		return err
	}
	a.jobs = sync.StaticJobs{job}
	return nil
}

func (a *app) prepare(ctx context.Context, watch bool) error {
	if err := a.loadJobs(watch); err != nil {
		return err
	}
	return a.openStore(ctx)
}

func selectJobs(all []sync.Job, only string) ([]sync.Job, error) {
	if only == "" {
		return all, nil
	}
	for _, job := range all {
		if job.Target.Job == only {
			return []sync.Job{job}, nil
		}
	}
	return nil, fmt.Errorf("%w: no job named %q", filter.ErrConfigurationInvalid, only)
}

func (a *app) run(ctx context.Context, stdout io.Writer) error {
	opts := a.cfg.Run
	if err := a.prepare(ctx, !opts.Once); err != nil {
		return err
	}
	interval, err := time.ParseDuration(a.cfg.PollingInterval)
	if err != nil || interval <= 0 {
		return fmt.Errorf("%w: invalid polling interval %q", filter.ErrConfigurationInvalid, a.cfg.PollingInterval)
	}

	out := stdout
	if opts.Output != "" && opts.Output != "-" {
		f, err := os.OpenFile(opts.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open output: %w", err)
		}
		a.closers = append(a.closers, func() { _ = f.Close() })
		out = f
	}
	var opener sink.ContentOpener
	if opts.ContentDigest {
		opener = a.client
	}

	synchronizer := sync.NewSynchronizer(a.client, a.store, sink.NewJSONLines(out, opener))
	service := sync.NewService(synchronizer, a.jobs, interval, a.cfg.Concurrency)
	if opts.Once {
		return service.RunOnce(ctx)
	}
	return service.Start(ctx)
}

type backlogOutput struct {
	Job   string `json:"job"`
	Store string `json:"store"`
	*sync.BacklogSnapshot
}

func (a *app) backlog(ctx context.Context, stdout io.Writer) error {
	opts := a.cfg.Backlog
	if err := a.prepare(ctx, false); err != nil {
		return err
	}
	var from *cursor.Value
	if opts.From != "" {
		v, err := cursor.DecodeToken(opts.From)
		if err != nil {
			return err
		}
		from = &v
	}
	selected, err := selectJobs(a.jobs.Jobs(), opts.Only)
	if err != nil {
		return err
	}

	// backlog never emits, so no sink is needed
	synchronizer := sync.NewSynchronizer(a.client, a.store, nil)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	for _, job := range selected {
		snapshot, err := synchronizer.Backlog(ctx, job.Target, from, job.Filter, job.MaxBatch)
		if err != nil {
			return fmt.Errorf("%s: %w", job.Target, err)
		}
		if err := enc.Encode(backlogOutput{Job: job.Target.Job, Store: job.Target.Store.String(), BacklogSnapshot: snapshot}); err != nil {
			return err
		}
	}
	return nil
}

type cursorOutput struct {
	Job        string    `json:"job"`
	Store      string    `json:"store"`
	Cursor     string    `json:"cursor"`
	RecordedAt time.Time `json:"recorded_at,omitzero"`
}

func (a *app) showCursors(ctx context.Context, stdout io.Writer) error {
	if err := a.prepare(ctx, false); err != nil {
		return err
	}
	selected, err := selectJobs(a.jobs.Jobs(), a.cfg.Cursor.Show.Only)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	for _, job := range selected {
		v, err := a.store.Read(ctx, job.Target)
		if err != nil {
			return fmt.Errorf("%s: %w", job.Target, err)
		}
		if err := enc.Encode(cursorOutput{
			Job:        job.Target.Job,
			Store:      job.Target.Store.String(),
			Cursor:     cursor.EncodeToken(v),
			RecordedAt: v.RecordedAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) resetCursors(ctx context.Context) error {
	opts := a.cfg.Cursor.Reset
	if err := a.prepare(ctx, false); err != nil {
		return err
	}
	selected, err := selectJobs(a.jobs.Jobs(), opts.Only)
	if err != nil {
		return err
	}
	for _, job := range selected {
		if err := a.store.Reset(ctx, job.Target); err != nil {
			return fmt.Errorf("%s: %w", job.Target, err)
		}
		logrus.WithField("target", job.Target.Key()).Warn("Cursor reset, the next round starts from the beginning")
	}
	return nil
}

func (a *app) authorities(ctx context.Context, stdout io.Writer) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if user := a.cfg.Authorities.User; user != "" {
		resolved, err := a.client.FetchUserAuthorities(ctx, user)
		if err != nil {
			return err
		}
		return enc.Encode(resolved)
	}
	all, err := a.client.FetchAllUserAuthorities(ctx)
	if err != nil {
		return err
	}
	return enc.Encode(all)
}
