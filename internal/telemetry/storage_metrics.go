package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds all the metric instruments of the storage engine.
type StorageMetrics struct {
	CommitsCounter          metric.Int64Counter
	RollbacksCounter        metric.Int64Counter
	CommitLatencyHistogram  metric.Float64Histogram
	WriterWaitHistogram     metric.Float64Histogram
	ActiveReadersUpDown     metric.Int64UpDownCounter
	PagesWrittenCounter     metric.Int64Counter
	JournalBytesCounter     metric.Int64Counter
	JournalTruncatedCounter metric.Int64Counter
	CheckpointsCounter      metric.Int64Counter
	FileGrowthsCounter      metric.Int64Counter
}

// NewStorageMetrics creates and registers all the metrics of the storage engine.
// A nil meter yields no-op instruments.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	var (
		m   StorageMetrics
		err error
	)
	if m.CommitsCounter, err = meter.Int64Counter(
		"gojostore.txn.commits_total",
		metric.WithDescription("Total number of committed write transactions."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.RollbacksCounter, err = meter.Int64Counter(
		"gojostore.txn.rollbacks_total",
		metric.WithDescription("Total number of rolled back write transactions."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CommitLatencyHistogram, err = meter.Float64Histogram(
		"gojostore.txn.commit.duration",
		metric.WithDescription("The latency of commits, journal write included."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.WriterWaitHistogram, err = meter.Float64Histogram(
		"gojostore.txn.writer_wait.duration",
		metric.WithDescription("Time spent waiting for the writer slot."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.ActiveReadersUpDown, err = meter.Int64UpDownCounter(
		"gojostore.txn.active_readers",
		metric.WithDescription("Number of open read transactions."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.PagesWrittenCounter, err = meter.Int64Counter(
		"gojostore.pages.written_total",
		metric.WithDescription("Total number of pages written by commits."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.JournalBytesCounter, err = meter.Int64Counter(
		"gojostore.journal.bytes_total",
		metric.WithDescription("Total number of bytes appended to the journal."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.JournalTruncatedCounter, err = meter.Int64Counter(
		"gojostore.journal.truncations_total",
		metric.WithDescription("Total number of damaged journal tails cut during recovery."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointsCounter, err = meter.Int64Counter(
		"gojostore.checkpoints_total",
		metric.WithDescription("Total number of checkpoints."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.FileGrowthsCounter, err = meter.Int64Counter(
		"gojostore.pages.file_growths_total",
		metric.WithDescription("Total number of data file extensions."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordCommit records one commit outcome.
func (m *StorageMetrics) RecordCommit(ctx context.Context, ms float64, pages, journalBytes int, mode string) {
	attrs := metric.WithAttributes(attribute.String("durability", mode))
	m.CommitsCounter.Add(ctx, 1, attrs)
	m.CommitLatencyHistogram.Record(ctx, ms, attrs)
	m.PagesWrittenCounter.Add(ctx, int64(pages))
	m.JournalBytesCounter.Add(ctx, int64(journalBytes))
}
