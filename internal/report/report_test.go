package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

func sampleTrend() []types.KPIRecord {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return []types.KPIRecord{
		{Day: day, MAE: 1.5, AvgLatency: 0.25, TotalAssigned: 40},
		{Day: day.AddDate(0, 0, 1), MAE: 0, AvgLatency: 2, TotalAssigned: 12},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{" csv ", FormatCSV, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleTrend()))

	var rows []Row
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, Row{Day: "2024-03-01", MAE: 1.5, AvgLatency: 0.25, TotalAssigned: 40}, rows[0])
	assert.Equal(t, "2024-03-02", rows[1].Day)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleTrend()))

	want := "day,mae,avg_latency,total_assigned\n" +
		"2024-03-01,1.5,0.25,40\n" +
		"2024-03-02,0,2,12\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteEmptyTrend(t *testing.T) {
	data, err := Render(FormatJSON, nil)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))

	data, err = Render(FormatCSV, nil)
	require.NoError(t, err)
	assert.Equal(t, "day,mae,avg_latency,total_assigned\n", string(data))
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "kpi.csv")
	require.NoError(t, WriteFile(path, FormatCSV, sampleTrend()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "2024-03-02,0,2,12")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestObjectName(t *testing.T) {
	recs := sampleTrend()
	assert.Equal(t, "kpi/2024-03-01_2024-03-02.json", ObjectName("/kpi/", FormatJSON, recs))
	assert.Equal(t, "2024-03-01_2024-03-02.csv", ObjectName("", FormatCSV, recs))
	assert.Equal(t, "empty.json", ObjectName("", FormatJSON, nil))
}

type fakeBucket struct {
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{buckets: map[string]bool{}, objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeBucket) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeBucket) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeBucket) PutObject(_ context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+object] = data
	f.types[bucket+"/"+object] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestS3Exporter(t *testing.T) {
	fake := newFakeBucket()
	exp := NewS3ExporterWithClient(fake, "", "daily", nil)

	object, err := exp.Export(context.Background(), FormatCSV, sampleTrend())
	require.NoError(t, err)
	assert.Equal(t, "daily/2024-03-01_2024-03-02.csv", object)
	assert.True(t, fake.buckets[DefaultBucket], "bucket should be created on first export")

	key := DefaultBucket + "/" + object
	assert.Contains(t, string(fake.objects[key]), "2024-03-01,1.5,0.25,40")
	assert.Equal(t, "text/csv; charset=utf-8", fake.types[key])
}

func TestS3Exporter_UploadError(t *testing.T) {
	fake := newFakeBucket()
	fake.putErr = errors.New("access denied")
	exp := NewS3ExporterWithClient(fake, "kpi", "", nil)

	_, err := exp.Export(context.Background(), FormatJSON, sampleTrend())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestNewS3Exporter_RequiresEndpoint(t *testing.T) {
	_, err := NewS3Exporter(S3Config{}, nil)
	assert.Error(t, err)

	exp, err := NewS3Exporter(S3Config{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBucket, exp.bucket)
}
