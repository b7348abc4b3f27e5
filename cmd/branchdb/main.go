package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"branchdb/pkg/dberrors"
	"branchdb/pkg/perf"
	"branchdb/pkg/slice"
	"branchdb/pkg/store"
)

const usage = `usage: branchdb [flags] <command> [args]

commands:
  put <key> <value>     store a value
  get <key>             print a value
  delete <key>          write a tombstone
  scan [lo] [hi]        print live keys in [lo, hi)
  flush                 write the memtable into a branch
  compact               merge every branch into one
  stats                 print engine statistics
  bench [ops] [workers] run an in-process write/read benchmark
  codecs <file>         compare page codecs on a file
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	root := flag.String("root", "", "database directory, overrides db.root_path")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// codecs works on a plain file and needs no database
	if args[0] == "codecs" {
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		if err := compareCodecs(args[1], 4096); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := initConfig(*configPath, *root)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, pc, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "root", cfg.DB.RootPath, "error", err)
		os.Exit(1)
	}

	if args[0] == "bench" {
		pc.SetLevel(perf.Enabled)
	}
	runErr := run(ctx, s, args)
	if args[0] == "bench" {
		printPerf(pc.Snapshot())
	}
	if err := s.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
	if runErr != nil {
		if errors.Is(runErr, dberrors.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "not found")
			os.Exit(3)
		}
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func run(ctx context.Context, s *store.Store, args []string) error {
	cmd, args := args[0], args[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d arguments: %w", cmd, n, dberrors.ErrInvalidArgument)
		}
		return nil
	}

	switch cmd {
	case "put":
		if err := need(2); err != nil {
			return err
		}
		if err := s.PutString(ctx, args[0], args[1]); err != nil {
			return err
		}
		return s.Sync()
	case "get":
		if err := need(1); err != nil {
			return err
		}
		v, ok, err := s.GetString(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return dberrors.ErrNotFound
		}
		fmt.Println(v)
		return nil
	case "delete":
		if err := need(1); err != nil {
			return err
		}
		if err := s.DeleteString(ctx, args[0]); err != nil {
			return err
		}
		return s.Sync()
	case "scan":
		lo, hi := slice.Null, slice.Null
		if len(args) > 0 {
			lo = slice.FromString(args[0])
		}
		if len(args) > 1 {
			hi = slice.FromString(args[1])
		}
		return s.Scan(ctx, lo, hi, func(key, value []byte) error {
			fmt.Printf("%s\t%s\n", key, value)
			return nil
		})
	case "flush":
		return s.Flush(ctx)
	case "compact":
		start := time.Now()
		if err := s.Compact(ctx); err != nil {
			return err
		}
		st := s.Stats()
		fmt.Printf("compacted into %d branch(es), %d bytes, in %v\n",
			st.Branches.Branches, st.Branches.Bytes, time.Since(start))
		return nil
	case "stats":
		printStats(s.Stats())
		return nil
	case "bench":
		ops, workers, err := benchArgs(args)
		if err != nil {
			return err
		}
		return runBench(ctx, s, ops, workers)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, dberrors.ErrInvalidArgument)
	}
}

func printStats(st store.Stats) {
	fmt.Printf("memtable:   %d keys, %d bytes active, %d sealed\n", st.ActiveKeys, st.ActiveBytes, st.SealedTables)
	fmt.Printf("branches:   %d (%d bytes, %d records, %d tombstones)\n",
		st.Branches.Branches, st.Branches.Bytes, st.Branches.Records, st.Branches.Tombstones)
	fmt.Printf("persisted:  seq %d..%d\n", st.Branches.MinSeq, st.Branches.MaxSeq)
	fmt.Printf("background: %d flushes, %d compactions\n", st.Branches.Flushes, st.Branches.Compactions)
	fmt.Printf("cache:      %d entries, %d hits, %d misses\n", st.Cache.Entries, st.Cache.Hits, st.Cache.Misses)
	fmt.Printf("wal:        last seq %d, durable seq %d\n", st.LastSeq, st.DurableSeq)
	if st.LastBackgroundError != nil {
		fmt.Printf("last background error: %v\n", st.LastBackgroundError)
	}
}
