package collection

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DataSource names an external file a collection's TestData rows are
// loaded from instead of being inlined in the document. Grounded on
// falcon's data_driven_engine.DataLoader — same (path, wantedVariables,
// maxRows) -> rows shape — but with CSV/JSON parsing actually
// implemented rather than left as a "real tool would parse this" stub.
type DataSource struct {
	Path string `json:"path" yaml:"path"`
	// Format is "csv" or "json"; inferred from Path's extension when
	// empty.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	// MaxRows caps how many rows are loaded, 0 meaning unbounded.
	MaxRows int `json:"maxRows,omitempty" yaml:"maxRows,omitempty"`
}

// Load reads ds's file and returns its rows as string maps, the same
// shape Collection.TestData uses inline.
func (ds *DataSource) Load() ([]map[string]string, error) {
	format := ds.Format
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(ds.Path)), ".")
	}

	raw, err := os.ReadFile(ds.Path)
	if err != nil {
		return nil, fmt.Errorf("reading test data source %q: %w", ds.Path, err)
	}

	var rows []map[string]string
	switch format {
	case "csv":
		rows, err = parseCSVRows(raw)
	case "json":
		rows, err = parseJSONRows(raw)
	default:
		return nil, fmt.Errorf("test data source %q: unsupported format %q (use csv or json)", ds.Path, format)
	}
	if err != nil {
		return nil, fmt.Errorf("test data source %q: %w", ds.Path, err)
	}

	if ds.MaxRows > 0 && len(rows) > ds.MaxRows {
		rows = rows[:ds.MaxRows]
	}
	return rows, nil
}

func parseCSVRows(raw []byte) ([]map[string]string, error) {
	r := csv.NewReader(strings.NewReader(string(raw)))
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseJSONRows(raw []byte) ([]map[string]string, error) {
	var decoded []map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	rows := make([]map[string]string, 0, len(decoded))
	for _, entry := range decoded {
		row := make(map[string]string, len(entry))
		for k, v := range entry {
			row[k] = fmt.Sprint(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
