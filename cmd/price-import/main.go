// Command price-import bulk-loads gzip-compressed JSONL price records.
//
// Files are scanned twice before anything is written: the first pass builds
// a bloom filter of natural keys per file, the second counts the keys that
// any filter flags exactly. Duplicate keys abort the import.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pricebook/internal/domain/price"
	"github.com/xenking/pricebook/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	maxLineBytes  = 1 << 20
	reportDupes   = 20
)

type options struct {
	databaseURL string
	capacity    uint
	batchSize   int
	workers     int
	dryRun      bool
}

// recordWriter is the storage surface used by the importer.
type recordWriter interface {
	ImportRecords(ctx context.Context, fn func(copyBatch postgres.BatchCopier) error) error
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&opts.capacity, "capacity", 10_000_000, "expected records per file, sizes the bloom filters")
	flag.IntVar(&opts.batchSize, "batch-size", 10_000, "records per COPY batch")
	flag.IntVar(&opts.workers, "workers", 4, "files loaded concurrently")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "validate files without writing")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		slog.Error("usage: price-import [flags] prices1.jsonl.gz [prices2.jsonl.gz ...]")
		os.Exit(2)
	}
	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, files, opts); err != nil {
		slog.Error("price import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("price import completed successfully")
}

func run(ctx context.Context, files []string, opts options) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	dupes, err := findDuplicates(ctx, files, opts.capacity)
	if err != nil {
		return err
	}
	if len(dupes) > 0 {
		for _, k := range dupes[:min(len(dupes), reportDupes)] {
			slog.Error("duplicate natural key", slog.String("key", k))
		}
		return errors.Errorf("%d duplicate natural keys", len(dupes))
	}
	if opts.dryRun {
		slog.Info("dry run: files are valid", slog.Int("files", len(files)))
		return nil
	}

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	total, err := load(ctx, files, postgres.NewPriceRepository(pool), opts)
	if err != nil {
		return err
	}
	slog.Info("records written", slog.Int64("count", total))
	return nil
}

// findDuplicates returns natural keys occurring more than once across all
// files, sorted.
func findDuplicates(ctx context.Context, files []string, capacity uint) ([]string, error) {
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters := make([]*bloom.BloomFilter, len(files))
	// suspects holds keys seen twice within one file per the filter.
	suspects := make([]map[string]struct{}, len(files))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			f := bloom.NewWithEstimates(capacity, bloomFPR)
			s := make(map[string]struct{})
			n, err := streamRecords(gctx, path, func(r *price.Record) {
				if f.TestOrAddString(naturalKey(r)) {
					s[naturalKey(r)] = struct{}{}
				}
			})
			if err != nil {
				return err
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Int64("records", n))
			filters[i], suspects[i] = f, s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: counting flagged keys")

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
	)
	g, gctx = errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			local := make(map[string]int)
			_, err := streamRecords(gctx, path, func(r *price.Record) {
				key := naturalKey(r)
				if _, ok := suspects[i][key]; ok || flaggedElsewhere(filters, i, key) {
					local[key]++
				}
			})
			if err != nil {
				return err
			}
			mu.Lock()
			for k, n := range local {
				counts[k] += n
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "count flagged keys")
	}

	var dupes []string
	for k, n := range counts {
		if n > 1 {
			dupes = append(dupes, k)
		}
	}
	slices.Sort(dupes)
	return dupes, nil
}

func flaggedElsewhere(filters []*bloom.BloomFilter, self int, key string) bool {
	for j, f := range filters {
		if j != self && f.TestString(key) {
			return true
		}
	}
	return false
}

// load copies every file into storage in batches, workers files at a time.
// Each file is one transaction: a failed file leaves none of its records
// behind, though files already committed stay.
func load(ctx context.Context, files []string, w recordWriter, opts options) (int64, error) {
	var (
		mu    sync.Mutex
		total int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.workers, 1))
	for _, path := range files {
		g.Go(func() error {
			var written int64
			err := w.ImportRecords(gctx, func(copyBatch postgres.BatchCopier) error {
				batch := make([]price.Record, 0, opts.batchSize)
				flush := func() error {
					if len(batch) == 0 {
						return nil
					}
					n, err := copyBatch(gctx, batch)
					if err != nil {
						return err
					}
					written += n
					batch = batch[:0]
					return nil
				}

				var copyErr error
				_, err := streamRecords(gctx, path, func(r *price.Record) {
					if copyErr != nil {
						return
					}
					batch = append(batch, *r)
					if len(batch) >= opts.batchSize {
						copyErr = flush()
					}
				})
				if err == nil {
					err = copyErr
				}
				if err == nil {
					err = flush()
				}
				return err
			})
			if err != nil {
				return errors.Wrapf(err, "load %s", path)
			}

			slog.Info("file loaded", slog.String("file", path), slog.Int64("records", written))
			mu.Lock()
			total += written
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

// streamRecords decodes every non-empty line of a gzip-compressed JSONL
// file. A malformed line fails the whole file with its line number.
func streamRecords(ctx context.Context, path string, fn func(r *price.Record)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var line, n int64
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		r, err := parseRecord(scanner.Bytes())
		if err != nil {
			return n, errors.Wrapf(err, "%s:%d", path, line)
		}
		fn(&r)
		n++
		if n%progressEvery == 0 {
			slog.Info("progress", slog.String("file", path), slog.Int64("records", n))
		}
	}
	if err := scanner.Err(); err != nil {
		return n, errors.Wrapf(err, "scan %s", path)
	}
	return n, nil
}
