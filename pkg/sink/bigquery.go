package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/suisei-cn/stargazer/pkg/bus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	bqFlushInterval = 5 * time.Second
	bqBatchSize     = 10_000
)

// BigQuery archives events into one table per day, inserted in batches.
type BigQuery struct {
	logger       *slog.Logger
	recordSchema bigquery.Schema
	client       *bigquery.Client
	dataset      *bigquery.Dataset

	tablePrefix string

	mu        sync.Mutex
	tableDate string
	inserter  *bigquery.Inserter

	recordBuf chan *Record
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

func NewBigQuery(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*BigQuery, error) {
	recordSchema, err := bigquery.InferSchema(Record{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	bq := &BigQuery{
		recordSchema: recordSchema,
		client:       bqClient,
		dataset:      bqDataset,
		logger:       logger.With("module", "sink_bigquery"),
		tablePrefix:  tablePrefix,
		recordBuf:    make(chan *Record, 100_000),
		shutdown:     make(chan struct{}),
	}

	bq.wg.Add(1)
	go func() {
		defer bq.wg.Done()
		t := time.NewTicker(bqFlushInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := bq.insertRecords(ctx); err != nil {
					bq.logger.Error("failed to insert records", "error", err)
				}
			case <-bq.shutdown:
				if err := bq.insertRecords(context.WithoutCancel(ctx)); err != nil {
					bq.logger.Error("failed to insert final records", "error", err)
				}
				return
			}
		}
	}()

	return bq, nil
}

func (bq *BigQuery) Dispatch(ctx context.Context, evt bus.Event) error {
	_, span := tracer.Start(ctx, "BigQueryDispatch")
	defer span.End()
	span.SetAttributes(attribute.String("type", evt.Type), attribute.String("subject", evt.Subject))

	record, err := NewRecord(evt, time.Now())
	if err != nil {
		eventsSunk.WithLabelValues("bigquery", "error").Inc()
		return err
	}

	select {
	case bq.recordBuf <- record:
	default:
		eventsSunk.WithLabelValues("bigquery", "dropped").Inc()
		return fmt.Errorf("bigquery buffer full, dropping %s event", evt.Type)
	}

	eventsSunk.WithLabelValues("bigquery", "ok").Inc()
	queueDepth.WithLabelValues("bigquery").Inc()
	return nil
}

func (bq *BigQuery) insertRecords(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertRecords")
	defer span.End()

	records := make([]*Record, 0, 64)
drain:
	for len(records) < bqBatchSize {
		select {
		case record := <-bq.recordBuf:
			records = append(records, record)
			queueDepth.WithLabelValues("bigquery").Dec()
		default:
			break drain
		}
	}

	if len(records) == 0 {
		return nil
	}

	if err := bq.createTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	start := time.Now()
	defer func() {
		batchSubmissionDuration.WithLabelValues("bigquery").Observe(time.Since(start).Seconds())
		batchSizeHist.WithLabelValues("bigquery").Observe(float64(len(records)))
	}()

	bq.mu.Lock()
	inserter := bq.inserter
	bq.mu.Unlock()
	if err := inserter.Put(ctx, records); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	return nil
}

func (bq *BigQuery) tableName(day time.Time) string {
	return fmt.Sprintf("%s_%s", bq.tablePrefix, day.Format("20060102"))
}

func (bq *BigQuery) createTableIfNotExists(ctx context.Context) error {
	bq.mu.Lock()
	defer bq.mu.Unlock()

	today := time.Now().UTC()
	if bq.tableDate == today.Format("20060102") && bq.inserter != nil {
		return nil
	}

	table := bq.dataset.Table(bq.tableName(today))
	if _, err := table.Metadata(ctx); err != nil {
		bq.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bq.recordSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	bq.tableDate = today.Format("20060102")
	bq.inserter = table.Inserter()

	return nil
}

// Close flushes the buffered records and closes the client.
func (bq *BigQuery) Close() error {
	close(bq.shutdown)
	bq.wg.Wait()
	return bq.client.Close()
}
