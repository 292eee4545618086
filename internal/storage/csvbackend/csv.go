package csvbackend

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/storage"
)

// ensure csvBackend implements storage.Backend
var _ storage.Backend = (*csvBackend)(nil)

type csvBackend struct {
	mu   sync.Mutex
	file *os.File
}

// headers defines the CSV column order, per the export format mandated
// for operator-facing scan reports.
var headers = []string{
	"url",
	"type",
	"param",
	"technique",
	"risk",
	"score",
	"payload",
	"evidence",
	"fix_snippet",
	"id",
	"method",
	"columns",
	"dbms",
	"solution",
	"created_at",
}

// New creates a new CSV-backed storage.Backend.
func New(filePath string) (storage.Backend, error) {
	// Open file for appending, create if it doesn't exist
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	// Check if file is empty to write headers
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("context: %w", err)
	}

	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("context: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("context: %w", err)
		}
	}

	return &csvBackend{
		file: f,
	}, nil
}

func (b *csvBackend) Save(ctx context.Context, f *storage.Finding) error {
	record := []string{
		f.URL,
		"sqli",
		f.Param,
		f.Technique,
		f.Risk,
		strconv.FormatFloat(f.Score, 'f', 2, 64),
		f.Payload,
		f.Evidence,
		f.FixSnippet,
		f.ID,
		f.Method,
		strconv.Itoa(f.Columns),
		f.DBMS,
		f.Solution,
		f.CreatedAt.Format(time.RFC3339Nano),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Ensure we're at the end of the file for appending (just in case)
	if _, err := b.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	w := csv.NewWriter(b.file)
	if err := w.Write(record); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	w.Flush()

	if err := w.Error(); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	return nil
}

func (b *csvBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Finding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Seek to the beginning of the file to read all entries
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	defer func() {
		// Restore pointer to end for writing
		_, _ = b.file.Seek(0, io.SeekEnd)
	}()

	r := csv.NewReader(b.file)

	// Read headers
	_, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return []*storage.Finding{}, nil
		}
		return nil, fmt.Errorf("context: %w", err)
	}

	var allFiltered []*storage.Finding

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("context: %w", err)
		}

		if len(record) != len(headers) {
			continue // skip malformed rows
		}

		score, _ := strconv.ParseFloat(record[5], 64)
		columns, _ := strconv.Atoi(record[11])
		createdAt, _ := time.Parse(time.RFC3339Nano, record[14])

		f := &storage.Finding{
			URL:        record[0],
			Param:      record[2],
			Technique:  record[3],
			Risk:       record[4],
			Score:      score,
			Payload:    record[6],
			Evidence:   record[7],
			FixSnippet: record[8],
			ID:         record[9],
			Method:     record[10],
			Columns:    columns,
			DBMS:       record[12],
			Solution:   record[13],
			CreatedAt:  createdAt,
		}

		// Apply filters
		if filter.URL != "" && f.URL != filter.URL {
			continue
		}
		if filter.Technique != "" && f.Technique != filter.Technique {
			continue
		}
		if filter.Risk != "" && f.Risk != filter.Risk {
			continue
		}
		if filter.Since != nil && f.CreatedAt.Before(*filter.Since) {
			continue
		}

		allFiltered = append(allFiltered, f)
	}

	// Order by created_at DESC (reverse the slice)
	for i, j := 0, len(allFiltered)-1; i < j; i, j = i+1, j-1 {
		allFiltered[i], allFiltered[j] = allFiltered[j], allFiltered[i]
	}

	// Apply Offset
	if filter.Offset > 0 {
		if filter.Offset >= len(allFiltered) {
			return []*storage.Finding{}, nil
		}
		allFiltered = allFiltered[filter.Offset:]
	}

	// Apply Limit
	if filter.Limit > 0 && filter.Limit < len(allFiltered) {
		allFiltered = allFiltered[:filter.Limit]
	}

	return allFiltered, nil
}

func (b *csvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
