package recorder

import (
	"encoding/json"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// Error is the error class for unreadable or unwritable traffic files.
var Error = errs.Class("recorder")

// Recorder collects the traffic seen by a guarded server so it can be
// replayed later. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	records []TrafficRecord
	stream  *json.Encoder // nil unless New got a writer
}

// New returns an empty recorder. When w is not nil every record is also
// streamed to it as one JSON object per line.
func New(w io.Writer) *Recorder {
	r := &Recorder{}
	if w != nil {
		r.stream = json.NewEncoder(w)
	}
	return r
}

// Record appends rec, giving it a fresh ID when it has none.
func (r *Recorder) Record(rec TrafficRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, rec)
	if r.stream == nil {
		return nil
	}
	return Error.Wrap(r.stream.Encode(rec))
}

// Records returns a snapshot of the recorded traffic.
func (r *Recorder) Records() []TrafficRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records)
}

// Len returns the number of recorded records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// ExportJSON writes the snapshot to w as an indented JSON array.
func (r *Recorder) ExportJSON(w io.Writer) error {
	return WriteJSON(w, r.Records())
}

// ExportFile writes the snapshot to path, replacing any existing file.
func (r *Recorder) ExportFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(f.Close())) }()
	return r.ExportJSON(f)
}

// WriteJSON writes records as an indented JSON array; nil is written as
// an empty array so the file always loads.
func WriteJSON(w io.Writer, records []TrafficRecord) error {
	if records == nil {
		records = []TrafficRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return Error.Wrap(enc.Encode(records))
}

// LoadJSON reads a JSON array of traffic records. Every record needs a
// key and a timestamp.
func LoadJSON(r io.Reader) ([]TrafficRecord, error) {
	var records []TrafficRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, Error.New("decoding records: %v", err)
	}
	for i, rec := range records {
		if rec.Key == "" {
			return nil, Error.New("record %d: missing key", i)
		}
		if rec.Timestamp.IsZero() {
			return nil, Error.New("record %d: missing timestamp", i)
		}
	}
	return records, nil
}

// LoadFile reads traffic records from the JSON file at path.
func LoadFile(path string) ([]TrafficRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()
	return LoadJSON(f)
}
