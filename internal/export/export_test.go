package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/integrity"
	"github.com/onnwee/chaintrail/internal/keys"
	"github.com/onnwee/chaintrail/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore(t *testing.T, n int) *store.MemoryStore {
	t.Helper()
	ring, err := keys.NewRing(2048)
	if err != nil {
		t.Fatalf("generating key ring: %v", err)
	}
	s := store.NewMemoryStore(integrity.NewEngine(ring, nil), nil)
	for i := 0; i < n; i++ {
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		_, err := s.Append(context.Background(), &audit.Event{
			UserID:       user,
			Action:       audit.ActionLogin,
			ResourceType: "session",
			Status:       audit.StatusSuccess,
		})
		if err != nil {
			t.Fatalf("seeding store: %v", err)
		}
	}
	return s
}

func TestExportCSV(t *testing.T) {
	s := seededStore(t, 4)

	data, err := Export(context.Background(), s, Options{Format: FormatCSV})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV: %v", err)
	}
	if len(rows) != 5 { // header + 4 records
		t.Fatalf("got %d rows, want 5", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][11] != "Chain Hash" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	if rows[1][1] != "1" || rows[4][1] != "4" {
		t.Errorf("rows not ordered by sequence: %v", rows)
	}
}

func TestExportJSONCarriesEnvelope(t *testing.T) {
	s := seededStore(t, 2)

	data, err := Export(context.Background(), s, Options{Format: FormatJSON})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parsing JSON: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d records, want 2", len(out))
	}
	first := out[0]
	for _, field := range []string{"data_hash", "chain_hash", "signature", "signing_key_id"} {
		if v, ok := first[field].(string); !ok || v == "" {
			t.Errorf("exported record missing %s", field)
		}
	}
	if out[1]["previous_hash"] != out[0]["chain_hash"] {
		t.Error("exported chain links must survive the round trip")
	}
}

func TestExportFiltersAndLimits(t *testing.T) {
	s := seededStore(t, 6)

	data, err := Export(context.Background(), s, Options{Format: FormatJSON, UserID: "alice", Limit: 2})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parsing JSON: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d records, want 2 after limit", len(out))
	}
	for _, rec := range out {
		if rec["user_id"] != "alice" {
			t.Errorf("user filter leaked record for %v", rec["user_id"])
		}
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	if _, err := Export(context.Background(), seededStore(t, 1), Options{Format: "xml"}); err == nil {
		t.Error("unknown format should be rejected")
	}
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.inputs = append(f.inputs, params)
	return &s3.PutObjectOutput{}, nil
}

func TestUploaderUpload(t *testing.T) {
	fake := &fakeS3{}
	u := &Uploader{
		client:    fake,
		bucket:    "audit-archive",
		keyPrefix: "exports",
		logger:    discardLogger(),
		timeNow:   func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}

	key, err := u.Upload(context.Background(), FormatCSV, []byte("id,action\n"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if key != "exports/2026-03-01T12-00-00Z.csv" {
		t.Errorf("object key = %q", key)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("PutObject called %d times, want 1", len(fake.inputs))
	}
	in := fake.inputs[0]
	if *in.Bucket != "audit-archive" || *in.Key != key {
		t.Errorf("PutObject input = %+v", in)
	}
	if *in.ContentType != "text/csv" {
		t.Errorf("ContentType = %q, want text/csv", *in.ContentType)
	}
	body, _ := io.ReadAll(in.Body)
	if string(body) != "id,action\n" {
		t.Errorf("uploaded body = %q", body)
	}
}

func TestNewUploaderValidation(t *testing.T) {
	_, err := NewUploader(UploaderConfig{SecretAccessKey: "s", Endpoint: "e", BucketName: "b"}, nil)
	if err == nil {
		t.Error("missing access key should be rejected")
	}
	_, err = NewUploader(UploaderConfig{AccessKeyID: "a", SecretAccessKey: "s", Endpoint: "e"}, nil)
	if err == nil {
		t.Error("missing bucket should be rejected")
	}
}
