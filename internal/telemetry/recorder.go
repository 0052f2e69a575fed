package telemetry

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"timestamp",
	"latitude",
	"longitude",
	"heading",
	"speed",
	"battery",
}

// maxRetained bounds the in-memory window kept for Summary.
const maxRetained = 4096

// Recorder appends emitted telemetry to a CSV flight log and keeps a
// bounded in-memory window of recent records for summarising.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	writer  *csv.Writer
	records []Record
}

// OpenRecorder opens (or creates) a flight log at path. The header is
// written only when the file is new.
func OpenRecorder(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	r := &Recorder{file: file, writer: csv.NewWriter(file)}
	if info.Size() == 0 {
		if err := r.writer.Write(csvHeader); err != nil {
			file.Close()
			return nil, err
		}
		r.writer.Flush()
	}
	return r, nil
}

// Append writes one record and flushes.
func (r *Recorder) Append(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := []string{
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(rec.Position.Latitude, 'f', 6, 64),
		strconv.FormatFloat(rec.Position.Longitude, 'f', 6, 64),
		strconv.FormatFloat(rec.Heading, 'f', 1, 64),
		strconv.FormatFloat(rec.Speed, 'f', 2, 64),
		strconv.FormatFloat(rec.Battery, 'f', 2, 64),
	}
	if err := r.writer.Write(row); err != nil {
		return err
	}
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		return err
	}

	r.records = append(r.records, rec)
	if len(r.records) > maxRetained {
		r.records = append([]Record(nil), r.records[len(r.records)-maxRetained:]...)
	}
	return nil
}

// Summary computes statistics over records appended since the given
// time, within the retained window.
func (r *Recorder) Summary(since time.Time) Summary {
	r.mu.Lock()
	items := append([]Record(nil), r.records...)
	r.mu.Unlock()
	return Summarize(items, since)
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer.Flush()
	return r.file.Close()
}

// Summary is a basic statistics snapshot over a telemetry window.
type Summary struct {
	Count      int
	From       time.Time
	To         time.Time
	AvgSpeed   float64
	P95Speed   float64
	MaxSpeed   float64
	AvgBattery float64
	MinBattery float64
}

// Summarize computes summary statistics for records in a time window.
func Summarize(items []Record, since time.Time) Summary {
	filtered := make([]Record, 0, len(items))
	for _, rec := range items {
		if !rec.Timestamp.Before(since) {
			filtered = append(filtered, rec)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	speeds := make([]float64, 0, len(filtered))
	var sumSpeed, sumBattery float64
	maxSpeed := 0.0
	minBattery := math.MaxFloat64
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp

	for _, rec := range filtered {
		speeds = append(speeds, rec.Speed)
		sumSpeed += rec.Speed
		sumBattery += rec.Battery
		if rec.Speed > maxSpeed {
			maxSpeed = rec.Speed
		}
		if rec.Battery < minBattery {
			minBattery = rec.Battery
		}
		if rec.Timestamp.Before(from) {
			from = rec.Timestamp
		}
		if rec.Timestamp.After(to) {
			to = rec.Timestamp
		}
	}

	sort.Float64s(speeds)
	count := float64(len(filtered))

	return Summary{
		Count:      len(filtered),
		From:       from,
		To:         to,
		AvgSpeed:   sumSpeed / count,
		P95Speed:   percentile(speeds, 0.95),
		MaxSpeed:   maxSpeed,
		AvgBattery: sumBattery / count,
		MinBattery: minBattery,
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
