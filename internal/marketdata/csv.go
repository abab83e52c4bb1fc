// Package marketdata loads bar history from CSV files.
//
// Rows are instrument,timestamp,open,high,low,close,volume with an optional
// trailing gap flag. Timestamps are RFC 3339, a plain date, or unix
// seconds. A header row is recognised by its first column.
package marketdata

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/schema"
)

const (
	minColumns = 7
	dateLayout = "2006-01-02"
)

// Load is the outcome of reading one source.
type Load struct {
	Bars       []schema.Bar
	Malformed  int
	Duplicates int
}

// LoadCSV reads and normalises the bars in path.
func LoadCSV(path string) (Load, error) {
	f, err := os.Open(path)
	if err != nil {
		return Load{}, errors.Wrap(err, "open bars").With("path", path)
	}
	defer f.Close()
	out, err := ReadCSV(f)
	if err != nil {
		return Load{}, errors.Wrap(err, "read bars").With("path", path)
	}
	return out, nil
}

// ReadCSV parses bars from r, skipping malformed rows, then sorts and
// de-duplicates them.
func ReadCSV(r io.Reader) (Load, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var out Load
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			if _, ok := err.(*csv.ParseError); ok {
				out.Malformed++
				logs.Warnf("skip malformed bar row %d: %v", line, err)
				continue
			}
			return Load{}, err
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "instrument") {
			continue
		}
		bar, err := parseRecord(record)
		if err != nil {
			out.Malformed++
			logs.Warnf("skip malformed bar row %d: %v", line, err)
			continue
		}
		out.Bars = append(out.Bars, bar)
	}

	out.Bars, out.Duplicates = Normalize(out.Bars)
	if out.Duplicates > 0 {
		logs.Warnf("dropped %d duplicate bars", out.Duplicates)
	}
	return out, nil
}

func parseRecord(record []string) (schema.Bar, error) {
	if len(record) < minColumns {
		return schema.Bar{}, errors.Errorf("want at least %d columns, got %d", minColumns, len(record))
	}
	instrument := strings.TrimSpace(record[0])
	if instrument == "" {
		return schema.Bar{}, errors.New("empty instrument")
	}
	ts, err := parseTime(strings.TrimSpace(record[1]))
	if err != nil {
		return schema.Bar{}, err
	}

	var values [5]float64
	for i := range values {
		d, err := decimal.NewFromString(strings.TrimSpace(record[2+i]))
		if err != nil {
			return schema.Bar{}, errors.Wrap(err, "parse number").With("column", 2+i)
		}
		values[i] = d.InexactFloat64()
	}

	bar := schema.Bar{
		Instrument: instrument,
		Timestamp:  ts,
		Open:       values[0],
		High:       values[1],
		Low:        values[2],
		Close:      values[3],
		Volume:     values[4],
	}
	if len(record) > minColumns {
		if raw := strings.TrimSpace(record[minColumns]); raw != "" {
			gap, err := strconv.ParseBool(raw)
			if err != nil {
				return schema.Bar{}, errors.Wrap(err, "parse gap flag")
			}
			bar.Gap = gap
		}
	}
	return bar, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(dateLayout, raw); err == nil {
		return ts, nil
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, errors.Errorf("unrecognised timestamp %q", raw)
}

// Normalize orders bars by timestamp then instrument and drops repeats of
// an (instrument, timestamp) pair, keeping the first.
func Normalize(bars []schema.Bar) ([]schema.Bar, int) {
	out := make([]schema.Bar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Instrument < out[j].Instrument
	})

	type key struct {
		instrument string
		unix       int64
	}
	seen := make(map[key]struct{}, len(out))
	kept := out[:0]
	for _, b := range out {
		k := key{b.Instrument, b.Timestamp.UnixNano()}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, b)
	}
	return kept, len(out) - len(kept)
}

// Instruments lists the distinct instruments in bars, sorted.
func Instruments(bars []schema.Bar) []string {
	set := make(map[string]struct{})
	for _, b := range bars {
		set[b.Instrument] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WriteCSV writes bars in the format ReadCSV accepts, with a header.
func WriteCSV(w io.Writer, bars []schema.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"instrument", "timestamp", "open", "high", "low", "close", "volume", "gap"}); err != nil {
		return err
	}
	for _, b := range bars {
		record := []string{
			b.Instrument,
			b.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
			strconv.FormatBool(b.Gap),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
