package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"

	"bookstream/config"
	"bookstream/models"
)

type upload struct {
	bucket string
	key    string
	body   []byte
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.uploads = append(f.uploads, upload{aws.ToString(in.Bucket), aws.ToString(in.Key), body})
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) snapshot() []upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload(nil), f.uploads...)
}

// bytesFile serves a finished parquet file back to the parquet reader.
type bytesFile struct {
	data []byte
	r    *bytes.Reader
}

func newBytesFile(data []byte) *bytesFile { return &bytesFile{data: data, r: bytes.NewReader(data)} }

func (f *bytesFile) Open(string) (source.ParquetFile, error)   { return newBytesFile(f.data), nil }
func (f *bytesFile) Create(string) (source.ParquetFile, error) { return nil, errors.New("read only") }
func (f *bytesFile) Seek(off int64, whence int) (int64, error) { return f.r.Seek(off, whence) }
func (f *bytesFile) Read(b []byte) (int, error)                { return f.r.Read(b) }
func (f *bytesFile) Write([]byte) (int, error)                 { return 0, errors.New("read only") }
func (f *bytesFile) Close() error                              { return nil }

func readRecords(t *testing.T, data []byte) []tradeRecord {
	t.Helper()
	pr, err := reader.NewParquetReader(newBytesFile(data), new(tradeRecord), 1)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer pr.ReadStop()
	rows := make([]tradeRecord, int(pr.GetNumRows()))
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	return rows
}

func testArchiveConfig(maxRecords int) *config.Config {
	cfg := config.Default()
	cfg.Archive.Enabled = true
	cfg.Archive.MaxRecords = maxRecords
	cfg.Archive.FlushInterval = time.Hour
	cfg.Storage.S3.Bucket = "market-data"
	return &cfg
}

func TestS3Key(t *testing.T) {
	ts := time.Date(2024, 3, 7, 23, 59, 0, 42, time.UTC)
	got := s3Key("trades", "XBTZAR", ts)
	want := "trades/pair=XBTZAR/2024/03/07/trades_XBTZAR_" + "1709855940000000042" + ".parquet"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCreateParquetRoundTrip(t *testing.T) {
	tr := testTrade("t1", 6, "100.25", "0.001")
	data, err := createParquet([]models.Trade{tr})
	if err != nil {
		t.Fatalf("create parquet: %v", err)
	}
	rows := readRecords(t, data)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0] != newTradeRecord(tr) {
		t.Fatalf("row mismatch: %+v", rows[0])
	}
	if rows[0].Price != "100.25" || rows[0].Volume != "0.001" {
		t.Fatalf("decimals not exact: %+v", rows[0])
	}
}

func TestArchiverFlushesOnMaxRecordsAndStop(t *testing.T) {
	up := &fakeUploader{}
	in := make(chan models.Trade, 8)
	a := NewArchiver(testArchiveConfig(2), in, up)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	in <- testTrade("t1", 6, "100", "1")
	in <- testTrade("t2", 7, "100", "1")
	waitFor(t, func() bool { return len(up.snapshot()) == 1 })

	eth := testTrade("e1", 3, "50", "2")
	eth.Pair = "ETHZAR"
	in <- testTrade("t3", 8, "100", "1")
	in <- eth

	cancel()
	a.Stop()

	uploads := up.snapshot()
	if len(uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %d", len(uploads))
	}
	records := 0
	for _, u := range uploads {
		if u.bucket != "market-data" {
			t.Fatalf("unexpected bucket %q", u.bucket)
		}
		if !strings.HasPrefix(u.key, "trades/pair=") || !strings.HasSuffix(u.key, ".parquet") {
			t.Fatalf("unexpected key %q", u.key)
		}
		records += len(readRecords(t, u.body))
	}
	if records != 4 {
		t.Fatalf("expected 4 archived trades, got %d", records)
	}
	if first := readRecords(t, uploads[0].body); first[0].TradeID != "t1" || first[1].TradeID != "t2" {
		t.Fatalf("unexpected first batch %+v", first)
	}
}

func TestArchiverUploadFailureIsLogged(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	in := make(chan models.Trade, 1)
	a := NewArchiver(testArchiveConfig(0), in, up)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	in <- testTrade("t1", 6, "100", "1")
	cancel()
	a.Stop()

	if n := len(up.snapshot()); n != 0 {
		t.Fatalf("failed upload recorded: %d", n)
	}
}
