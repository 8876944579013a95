package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"hashdb/pkg/config"
	"hashdb/pkg/database"
	"hashdb/pkg/hash"
	"hashdb/pkg/logger"
	"hashdb/pkg/pager"
	"hashdb/pkg/repl"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Listens for SIGINT or SIGTERM and closes the database.
func setupCloseHandler(closeFn func() error) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("closehandler invoked")
		if err := closeFn(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
}

// newLogger builds the logger selected on the command line.
func newLogger(kind string) (logger.Logger, func(), error) {
	switch kind {
	case "none", "":
		return logger.Discard{}, func() {}, nil
	case "zap":
		z, err := zap.NewDevelopment()
		if err != nil {
			return nil, nil, err
		}
		return logger.NewZap(z), func() { _ = z.Sync() }, nil
	case "logrus":
		l := logrus.New()
		l.SetOutput(os.Stderr)
		return logger.NewLogrus(l), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown logger %q: use zap, logrus or none", kind)
}

// Start the database.
func main() {
	// Set up flags.
	var promptFlag = flag.Bool("c", true, "use prompt?")
	var projectFlag = flag.String("project", "hash", "choose REPL: [hash,pager]")
	var dbFlag = flag.String("db", "data/", "DB folder")
	var fileFlag = flag.String("file", "data/pager.tmp", "page file for the pager REPL")
	var pageSizeFlag = flag.Int("pagesize", config.DefaultPageSize, "page size of new tables")
	var ffactorFlag = flag.Int("ffactor", config.DefaultFillFactor, "fill factor of new tables")
	var cacheFlag = flag.Int("cache", config.MaxPagesInBuffer, "page frames per table")
	var logFlag = flag.String("log", "none", "logger: [zap,logrus,none]")
	var hashFlag = flag.String("hash", "xx", "hash function of new tables: [xx,murmur]")
	var directFlag = flag.Bool("directio", false, "bypass the OS page cache")
	flag.Parse()

	log, syncLog, err := newLogger(*logFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer syncLog()

	prompt := config.GetPrompt(*promptFlag)
	var r *repl.REPL
	var closeFn func() error
	var historyDir string

	// Get the right REPL.
	switch *projectFlag {
	case "pager":
		p, err := pager.New(*fileFlag, pager.Options{
			PageSize: *pageSizeFlag,
			MaxPages: *cacheFlag,
			DirectIO: *directFlag,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		r, closeFn = pager.PagerRepl(p), p.Close
		historyDir = filepath.Dir(*fileFlag)

	case "hash":
		hasher, err := hash.HasherByName(*hashFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		opts := []hash.Option{
			hash.WithPageSize(*pageSizeFlag),
			hash.WithFillFactor(*ffactorFlag),
			hash.WithCacheSize(*cacheFlag),
			hash.WithHash(hasher),
			hash.WithLogger(log),
		}
		if *directFlag {
			opts = append(opts, hash.WithDirectIO())
		}
		db, err := database.Open(*dbFlag, opts...)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		r, closeFn = database.DatabaseRepl(db), db.Close
		historyDir = db.GetBasePath()

	default:
		fmt.Println("must specify -project [hash,pager]")
		os.Exit(2)
	}

	// Setup close conditions.
	setupCloseHandler(closeFn)
	history, err := repl.OpenHistory(filepath.Join(historyDir, config.HistoryFileName))
	if err != nil {
		log.Warn("history disabled", "error", err)
	} else {
		defer history.Close()
		r.SetHistory(history)
	}

	r.Run(uuid.New(), prompt, nil, nil)
	if err := closeFn(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
