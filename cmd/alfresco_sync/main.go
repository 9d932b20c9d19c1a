// Package main implements the alfresco_sync binary, which keeps an ingestion sink in step with
// the change feed of a content repository.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/log"
)

// Config holds the application configuration
type Config struct {
	RepositoryURL     string  `short:"r" long:"repository-url" env:"ALFRESCO_SYNC_REPOSITORY_URL" description:"Repository web script root" default:"http://localhost:8080/alfresco/service"`
	Username          string  `short:"u" long:"username" env:"ALFRESCO_SYNC_USERNAME" description:"Repository user"`
	Password          string  `long:"password" env:"ALFRESCO_SYNC_PASSWORD" description:"Repository password"`
	Store             string  `long:"store" env:"ALFRESCO_SYNC_STORE" description:"Repository store to follow" default:"workspace://SpacesStore"`
	Job               string  `short:"j" long:"job" env:"ALFRESCO_SYNC_JOB" description:"Job name used when no jobs file is given" default:"default"`
	Filter            string  `long:"filter" env:"ALFRESCO_SYNC_FILTER" description:"Filter JSON document used when no jobs file is given"`
	JobsFile          string  `long:"jobs-file" env:"ALFRESCO_SYNC_JOBS_FILE" description:"YAML jobs file, reloaded on change"`
	MaxBatch          int     `long:"max-batch" env:"ALFRESCO_SYNC_MAX_BATCH" description:"Transactions and ACL changesets per repository call" default:"1000"`
	CursorStore       string  `long:"cursor-store" env:"ALFRESCO_SYNC_CURSOR_STORE" description:"Where cursors are kept" choice:"postgres" choice:"etcd" choice:"sqlite" choice:"memory" default:"postgres"`
	PostgresDSN       string  `short:"p" long:"postgres-dsn" env:"ALFRESCO_SYNC_POSTGRES_DSN" description:"PostgreSQL connection string"`
	EtcdDSN           string  `short:"e" long:"etcd-dsn" env:"ALFRESCO_SYNC_ETCD_DSN" description:"etcd connection string"`
	SQLitePath        string  `long:"sqlite-path" env:"ALFRESCO_SYNC_SQLITE_PATH" description:"SQLite cursor database" default:"alfresco_sync.db"`
	PollingInterval   string  `long:"polling-interval" env:"ALFRESCO_SYNC_POLLING_INTERVAL" description:"Time between rounds" default:"1m"`
	Concurrency       int     `long:"concurrency" env:"ALFRESCO_SYNC_CONCURRENCY" description:"Jobs synchronized at once" default:"4"`
	RequestsPerSecond float64 `long:"rps" env:"ALFRESCO_SYNC_RPS" description:"Repository request rate limit, 0 for none" default:"0"`
	HTTPTimeout       string  `long:"http-timeout" env:"ALFRESCO_SYNC_HTTP_TIMEOUT" description:"Timeout of a single repository request" default:"30s"`
	LogLevel          string  `short:"l" env:"ALFRESCO_SYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogFormat         string  `long:"log-format" env:"ALFRESCO_SYNC_LOG_FORMAT" description:"Log format" choice:"text" choice:"json" default:"text"`
	LogFile           string  `long:"log-file" env:"ALFRESCO_SYNC_LOG_FILE" description:"Write logs to a size rotated file instead of stderr"`
	Version           bool    `short:"v" long:"version" description:"Show version information"`
	Help              bool

	Run         RunCommand         `command:"run" description:"Synchronize continuously (default)"`
	Backlog     BacklogCommand     `command:"backlog" description:"Show pending changes without moving cursors"`
	Cursor      CursorCommand      `command:"cursor" description:"Inspect or reset cursors"`
	Authorities AuthoritiesCommand `command:"authorities" description:"Resolve user authorities"`

	// Command is the space separated path of the selected subcommand, empty for none.
	Command string `no-flag:"true"`
}

// RunCommand options.
type RunCommand struct {
	Once          bool   `long:"once" description:"Run one round per job and exit"`
	Output        string `short:"o" long:"output" description:"JSON lines output file, - for stdout" default:"-"`
	ContentDigest bool   `long:"content-digest" description:"Stream content to record its SHA-256"`
}

// BacklogCommand options.
type BacklogCommand struct {
	From string `long:"from" description:"Start at this txn|acl token instead of the persisted cursor"`
	Only string `long:"only" description:"Restrict to one job"`
}

// CursorCommand groups cursor maintenance.
type CursorCommand struct {
	Show  CursorShowCommand  `command:"show" description:"Print the persisted cursor of every job"`
	Reset CursorResetCommand `command:"reset" description:"Forget the cursor so the next round starts over"`
}

// CursorShowCommand options.
type CursorShowCommand struct {
	Only string `long:"only" description:"Restrict to one job"`
}

// CursorResetCommand options.
type CursorResetCommand struct {
	Only string `long:"only" description:"Job to reset"`
	All  bool   `long:"all" description:"Reset every job"`
}

// AuthoritiesCommand options.
type AuthoritiesCommand struct {
	User string `long:"user" description:"Resolve one user instead of all"`
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true            // if not command specified, start synchronizing
	nonParsedArgs, err := parser.ParseArgs(args) // parse and execute subcommand if any
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	var path []string
	for cmd := parser.Active; cmd != nil; cmd = cmd.Active {
		path = append(path, cmd.Name)
	}
	cmdOpts.Command = strings.Join(path, " ")
	if cmdOpts.Command == "cursor reset" && cmdOpts.Cursor.Reset.Only == "" && !cmdOpts.Cursor.Reset.All {
		return cmdOpts, errors.New("cursor reset needs --only <job> or --all")
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("alfresco_sync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output. The returned closer
// flushes the log file, if any.
func SetupLogging(logLevel, logFormat, logFile string) (io.Closer, error) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(logFormat == "json"))
	logrus.SetReportCaller(false)

	out := log.NewOutput(log.FileOptions{Path: logFile, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30, Compress: true})
	logrus.SetOutput(out)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("alfresco_sync logging initialized")

	return out, nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	logOutput, err := SetupLogging(config.LogLevel, config.LogFormat, config.LogFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}
	defer logOutput.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	if err := execute(ctx, config, os.Stdout); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Error("alfresco_sync failed")
		_ = logOutput.Close()
		os.Exit(1)
	}

	logrus.Info("Graceful shutdown completed")
}
