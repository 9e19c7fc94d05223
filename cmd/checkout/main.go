package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/suisei-cn/stargazer/pkg/kv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "checkout",
		Usage:   "stargazer store checkout",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "output-dir",
			Usage:   "directory to write the stores to",
			Value:   "./out/stargazer",
			EnvVars: []string{"OUTPUT_DIR"},
		},
		&cli.BoolFlag{
			Name:  "compress",
			Usage: "compress the resulting directory into a gzip file",
		},
		&cli.StringFlag{
			Name:  "into",
			Usage: "store url to copy the pairs into instead of writing files (single store only)",
		},
	}

	app.ArgsUsage = "<name>=<store-url> [<name>=<store-url> ...]"

	app.Action = Checkout

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

type source struct {
	name string
	url  string
}

func parseSources(args []string) ([]source, error) {
	var out []source
	for _, arg := range args {
		name, u, ok := strings.Cut(arg, "=")
		if !ok || name == "" || u == "" {
			return nil, fmt.Errorf("expected <name>=<store-url>, got %q", arg)
		}
		out = append(out, source{name: name, url: u})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no stores given")
	}
	return out, nil
}

// sink receives the pairs of one store.
type sink interface {
	write(store string, p *kv.Pair) error
}

type dirSink struct {
	dir string
}

func (d *dirSink) write(store string, p *kv.Pair) error {
	b, err := json.Marshal(p.Value)
	if err != nil {
		return err
	}
	path := filepath.Join(d.dir, store, url.PathEscape(p.Key)+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

type tarSink struct {
	tw *tar.Writer
}

func (t *tarSink) write(store string, p *kv.Pair) error {
	b, err := json.Marshal(p.Value)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name: fmt.Sprintf("%s/%s.json", store, url.PathEscape(p.Key)),
		Mode: 0600,
		Size: int64(len(b)),
	}
	if err := t.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = t.tw.Write(b)
	return err
}

// storeSink copies pairs into another store, so hooks of the target run.
type storeSink struct {
	ctx    context.Context
	target *kv.Store
}

func (s *storeSink) write(_ string, p *kv.Pair) error {
	_, _, err := s.target.Put(s.ctx, p)
	return err
}

// checkout streams every pair of s into out and returns the pair count.
func checkout(ctx context.Context, s *kv.Store, out sink) (int, error) {
	n := 0
	for p, err := range s.Iter(ctx) {
		if err != nil {
			return n, fmt.Errorf("failed to read %s: %w", s.Name(), err)
		}
		if err := out.write(s.Name(), p); err != nil {
			return n, fmt.Errorf("failed to write %s/%s: %w", s.Name(), p.Key, err)
		}
		n++
	}
	return n, nil
}

func Checkout(cctx *cli.Context) error {
	ctx := cctx.Context
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sources, err := parseSources(cctx.Args().Slice())
	if err != nil {
		return err
	}

	var out sink
	switch {
	case cctx.String("into") != "":
		if len(sources) != 1 {
			return fmt.Errorf("--into copies exactly one store, got %d", len(sources))
		}
		target, err := kv.Open(ctx, sources[0].name, cctx.String("into"), nil, logger)
		if err != nil {
			return err
		}
		defer target.Close()
		out = &storeSink{ctx: ctx, target: target}

	case cctx.Bool("compress"):
		outputDir, err := filepath.Abs(cctx.String("output-dir"))
		if err != nil {
			return fmt.Errorf("error getting absolute path: %w", err)
		}
		tarFile, err := os.Create(outputDir + ".tar.gz")
		if err != nil {
			return fmt.Errorf("error creating tar.gz file: %w", err)
		}
		defer tarFile.Close()

		gzipWriter := gzip.NewWriter(tarFile)
		defer gzipWriter.Close()

		tarWriter := tar.NewWriter(gzipWriter)
		defer tarWriter.Close()
		out = &tarSink{tw: tarWriter}

	default:
		outputDir, err := filepath.Abs(cctx.String("output-dir"))
		if err != nil {
			return fmt.Errorf("error getting absolute path: %w", err)
		}
		out = &dirSink{dir: outputDir}
	}

	total := 0
	for _, src := range sources {
		s, err := kv.Open(ctx, src.name, src.url, nil, logger)
		if err != nil {
			return err
		}
		n, err := checkout(ctx, s, out)
		s.Close()
		if err != nil {
			return err
		}
		logger.Info("checked out store", "store", src.name, "pairs", n)
		total += n
	}

	logger.Info("checkout complete", "stores", len(sources), "pairs", total)
	return nil
}
