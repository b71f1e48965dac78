package source

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mkarlsen/ticketscrub/internal/logger"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
)

// Format represents supported source file formats
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

// DetectFormat detects the file format from the extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".json", ".jsonl":
		return FormatJSON
	case ".parquet":
		return FormatParquet
	default:
		return FormatCSV
	}
}

// Reader loads tabular rows from exported conversation files. Every call
// reads the file from the beginning, which makes sources restartable.
type Reader struct {
	logger *logger.Logger
}

// NewReader creates a file reader.
func NewReader(log *logger.Logger) *Reader {
	return &Reader{logger: log}
}

// ReadFile parses path into ordered rows of column → value.
func (r *Reader) ReadFile(path string) ([]pipeline.Row, error) {
	switch DetectFormat(path) {
	case FormatCSV:
		return r.readCSV(path)
	case FormatJSON:
		return r.readJSON(path)
	case FormatParquet:
		return r.readParquet(path)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", path)
	}
}

// Columns returns the column names found in the file, in source order for
// CSV and Parquet, sorted-by-first-row for JSON.
func (r *Reader) Columns(path string) ([]string, error) {
	rows, err := r.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	cols := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		cols = append(cols, col)
	}
	return cols, nil
}

func (r *Reader) readCSV(path string) ([]pipeline.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []pipeline.Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.logger.Warn("Failed to read CSV record", zap.String("file", path), zap.Error(err))
			continue
		}

		row := make(pipeline.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = strings.TrimSpace(record[i])
			}
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// readJSON accepts either a top-level array of objects or one object per
// line (JSONL).
func (r *Reader) readJSON(path string) ([]pipeline.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)

	var rows []pipeline.Row
	for {
		var raw interface{}
		err := decoder.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}

		switch v := raw.(type) {
		case []interface{}:
			for _, item := range v {
				if obj, ok := item.(map[string]interface{}); ok {
					rows = append(rows, rowFromObject(obj))
				}
			}
		case map[string]interface{}:
			rows = append(rows, rowFromObject(v))
		default:
			return nil, fmt.Errorf("unexpected JSON value of type %T", raw)
		}
	}

	return rows, nil
}

func (r *Reader) readParquet(path string) ([]pipeline.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat Parquet file: %w", err)
	}

	pf, err := parquet.OpenFile(file, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}

	fields := pf.Schema().Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name()
	}

	var rows []pipeline.Row
	for _, group := range pf.RowGroups() {
		groupRows := group.Rows()
		buf := make([]parquet.Row, 128)

		for {
			n, err := groupRows.ReadRows(buf)
			for _, prow := range buf[:n] {
				row := make(pipeline.Row, len(names))
				for _, value := range prow {
					ci := value.Column()
					if ci < 0 || ci >= len(names) || value.IsNull() {
						continue
					}
					row[names[ci]] = value.String()
				}
				rows = append(rows, row)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				groupRows.Close()
				return nil, fmt.Errorf("failed to read Parquet rows: %w", err)
			}
		}
		groupRows.Close()
	}

	return rows, nil
}

// rowFromObject flattens a decoded JSON object into string values; nested
// structures are re-serialized as JSON.
func rowFromObject(obj map[string]interface{}) pipeline.Row {
	row := make(pipeline.Row, len(obj))
	for key, value := range obj {
		row[key] = stringify(value)
	}
	return row
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
