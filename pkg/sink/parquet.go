package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/suisei-cn/stargazer/pkg/bus"
)

// Parquet archives events into parquet files, one per batch.
type Parquet struct {
	logger       *slog.Logger
	fileDir      string
	prefix       string
	writeQueue   chan *ParquetRecord
	shutdown     chan struct{}
	wg           sync.WaitGroup
	batchSize    int
	maxBatchWait time.Duration
	now          func() time.Time
}

func NewParquet(logger *slog.Logger, fileDir, prefix string, batchSize int, maxBatchWait time.Duration) (*Parquet, error) {
	p := &Parquet{
		logger:       logger.With("module", "sink_parquet"),
		fileDir:      fileDir,
		prefix:       prefix,
		batchSize:    batchSize,
		maxBatchWait: maxBatchWait,
		writeQueue:   make(chan *ParquetRecord, batchSize*2),
		shutdown:     make(chan struct{}),
		now:          time.Now,
	}

	if err := os.MkdirAll(fileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return p, nil
}

// StartWriter starts the goroutine that writes a file when the batch size is
// reached, after every maxBatchWait, and on shutdown.
func (p *Parquet) StartWriter() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		var records []*ParquetRecord
		t := time.NewTicker(p.maxBatchWait)
		defer t.Stop()

		flush := func(reason string) {
			if len(records) == 0 {
				return
			}
			p.logger.Info("writing parquet file", "reason", reason, "num_records", len(records))
			if err := p.WriteFile(records); err != nil {
				p.logger.Error("failed to write parquet file", "error", err)
			}
			records = nil
		}

		for {
			select {
			case r := <-p.writeQueue:
				queueDepth.WithLabelValues("parquet").Dec()
				records = append(records, r)
				if len(records) >= p.batchSize {
					flush("max batch size")
				}
			case <-t.C:
				flush("max batch wait")
			case <-p.shutdown:
			drain:
				for {
					select {
					case r := <-p.writeQueue:
						queueDepth.WithLabelValues("parquet").Dec()
						records = append(records, r)
					default:
						break drain
					}
				}
				flush("shutdown")
				return
			}
		}
	}()
}

// Shutdown writes the pending records and stops the writer.
func (p *Parquet) Shutdown() {
	p.logger.Info("waiting for parquet writer to shutdown")
	close(p.shutdown)
	p.wg.Wait()
	p.logger.Info("parquet writer shutdown successfully")
}

func (p *Parquet) Dispatch(ctx context.Context, evt bus.Event) error {
	_, span := tracer.Start(ctx, "ParquetDispatch")
	defer span.End()

	record, err := NewRecord(evt, p.now())
	if err != nil {
		eventsSunk.WithLabelValues("parquet", "error").Inc()
		return err
	}

	select {
	case p.writeQueue <- record.Parquet():
	case <-ctx.Done():
		eventsSunk.WithLabelValues("parquet", "dropped").Inc()
		return ctx.Err()
	}
	queueDepth.WithLabelValues("parquet").Inc()
	eventsSunk.WithLabelValues("parquet", "ok").Inc()
	return nil
}

// WriteFile writes records to a file named after the current time.
func (p *Parquet) WriteFile(records []*ParquetRecord) error {
	fName := path.Join(p.fileDir, fmt.Sprintf("%s_%s.parquet", p.prefix, p.now().UTC().Format("2006_01_02-15_04_05.000000")))

	start := time.Now()
	defer func() {
		batchSubmissionDuration.WithLabelValues("parquet").Observe(time.Since(start).Seconds())
		batchSizeHist.WithLabelValues("parquet").Observe(float64(len(records)))
	}()

	filterBits := uint(10)
	err := parquet.WriteFile(fName, records, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "type"),
		parquet.SplitBlockFilter(filterBits, "subject"),
	))
	if err != nil {
		return fmt.Errorf("failed to write parquet file: %w", err)
	}

	p.logger.Info("wrote parquet file", "file_path", fName, "num_records", len(records))
	return nil
}
