package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/suisei-cn/stargazer/pkg/bus"
)

// Record is the archived form of an event.
type Record struct {
	CreatedAt time.Time         `bigquery:"created_at"`
	Type      string            `bigquery:"type"`
	Subject   string            `bigquery:"subject"`
	Link      string            `bigquery:"link"`
	Payload   bigquery.NullJSON `bigquery:"payload"`
}

// ParquetRecord is the columnar form of a Record.
type ParquetRecord struct {
	CreatedAt int64  `parquet:"created_at"`
	Type      string `parquet:"type"`
	Subject   string `parquet:"subject"`
	Link      string `parquet:"link"`
	Payload   string `parquet:"payload"`
}

func NewRecord(evt bus.Event, at time.Time) (*Record, error) {
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	link, _ := evt.Payload["link"].(string)
	return &Record{
		CreatedAt: at.UTC(),
		Type:      evt.Type,
		Subject:   evt.Subject,
		Link:      link,
		Payload:   bigquery.NullJSON{JSONVal: string(raw), Valid: true},
	}, nil
}

func (r *Record) Parquet() *ParquetRecord {
	return &ParquetRecord{
		CreatedAt: r.CreatedAt.UnixMicro(),
		Type:      r.Type,
		Subject:   r.Subject,
		Link:      r.Link,
		Payload:   r.Payload.JSONVal,
	}
}
