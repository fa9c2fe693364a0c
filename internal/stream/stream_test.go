package stream

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nupicCSV = `timestamp,value
datetime,float
T,
12/2/2013 21:15,73.967322
12/2/2013 21:20,74.935882
2013-12-02 21:25:00,76.124162
`

func readAll(t *testing.T, src Source) ([]Record, error) {
	t.Helper()
	var out []Record
	for {
		rec, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func TestCSVSource(t *testing.T) {
	src := NewCSVSource(strings.NewReader(nupicCSV), DefaultCSVSourceConfig())
	records, err := readAll(t, src)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, time.Date(2013, 12, 2, 21, 15, 0, 0, time.UTC), records[0].Timestamp)
	assert.Equal(t, 73.967322, records[0].Value)
	assert.Equal(t, time.Date(2013, 12, 2, 21, 25, 0, 0, time.UTC), records[2].Timestamp)
}

func TestCSVSourceSingleHeader(t *testing.T) {
	cfg := DefaultCSVSourceConfig()
	cfg.HeaderRows = 1
	src := NewCSVSource(strings.NewReader("timestamp,value\n2014-04-01 00:00:00,12\n"), cfg)
	records, err := readAll(t, src)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 12.0, records[0].Value)
}

func TestCSVSourceMalformed(t *testing.T) {
	cases := map[string]string{
		"bad value":     "x\ny\nz\n12/2/2013 21:15,warm\n",
		"bad timestamp": "x\ny\nz\nyesterday,1.5\n",
		"short row":     "x\ny\nz\n12/2/2013 21:15\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			src := NewCSVSource(strings.NewReader(input), DefaultCSVSourceConfig())
			_, err := src.Next(context.Background())
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

func TestCSVSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewCSVSource(strings.NewReader(nupicCSV), DefaultCSVSourceConfig())
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJSONLinesSource(t *testing.T) {
	input := `{"ts": "2015-09-01 10:00:00", "reading": {"v": 3.5}}

{"ts": 1441101900, "reading": {"v": 4}}
{"ts": "2015-09-01 10:10:00", "reading": {"v": "hot"}}
`
	cfg := JSONLinesConfig{TimestampPath: "ts", ValuePath: "reading.v"}
	src := NewJSONLinesSource(strings.NewReader(input), cfg)

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.5, first.Value)
	assert.Equal(t, time.Date(2015, 9, 1, 10, 0, 0, 0, time.UTC), first.Timestamp)

	second, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4.0, second.Value)
	assert.Equal(t, time.Unix(1441101900, 0).UTC(), second.Timestamp)

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseJSONRecordInvalid(t *testing.T) {
	_, err := ParseJSONRecord("{not json", DefaultJSONLinesConfig(), 7)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = ParseJSONRecord(`{"value": 1}`, DefaultJSONLinesConfig(), 8)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func sampleOutputs() []Output {
	base := time.Date(2014, 2, 19, 10, 0, 0, 0, time.UTC)
	return []Output{
		{Stream: "s", Timestamp: base, Value: 1, Prediction: 1.5, AnomalyScore: 1, RawScore: 1, Likelihood: 0.5},
		{Stream: "s", Timestamp: base.Add(time.Minute), Value: 2, Prediction: 2.5, AnomalyScore: 0.25, RawScore: 0.5, Likelihood: 0.5},
		{Stream: "s", Timestamp: base.Add(2 * time.Minute), Value: 3, Prediction: math.NaN(), AnomalyScore: 0, RawScore: 0, Likelihood: 0.5},
	}
}

func TestCSVSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewCSVSink(&buf)
	for _, out := range sampleOutputs() {
		require.NoError(t, sink.Accept(out))
	}
	require.NoError(t, sink.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "timestamp,value,prediction,anomaly_score,raw_score,anomaly_likelihood", lines[0])
	assert.Equal(t, "2014-02-19 10:00:00,1,1.5,1,1,0.5", lines[1])
	assert.Equal(t, "2014-02-19 10:02:00,3,,0,0,0.5", lines[3])
}

type collectSink struct {
	outputs []Output
	closed  bool
	err     error
}

func (c *collectSink) Accept(out Output) error {
	c.outputs = append(c.outputs, out)
	return c.err
}

func (c *collectSink) Close() error {
	c.closed = true
	return nil
}

func TestShiftedSink(t *testing.T) {
	inner := &collectSink{}
	sink := NewShiftedSink(inner)
	for _, out := range sampleOutputs() {
		require.NoError(t, sink.Accept(out))
	}
	require.NoError(t, sink.Close())

	require.Len(t, inner.outputs, 3)
	assert.True(t, math.IsNaN(inner.outputs[0].Prediction))
	assert.Equal(t, 1.5, inner.outputs[1].Prediction)
	assert.Equal(t, 2.5, inner.outputs[2].Prediction)
	assert.True(t, inner.closed)
}

func TestMultiSink(t *testing.T) {
	ok := &collectSink{}
	failing := &collectSink{err: errors.New("disk full")}
	sink := MultiSink{ok, failing}

	err := sink.Accept(sampleOutputs()[0])
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, ok.outputs, 1, "one failing sink does not starve the others")

	require.NoError(t, sink.Close())
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	sink, err := OpenSQLiteSink(path, 2)
	require.NoError(t, err)
	for _, out := range sampleOutputs() {
		require.NoError(t, sink.Accept(out))
	}
	require.NoError(t, sink.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM anomaly_results WHERE stream = ?`, "s").Scan(&rows))
	assert.Equal(t, 3, rows)

	var prediction sql.NullFloat64
	require.NoError(t, db.QueryRow(`SELECT prediction FROM anomaly_results WHERE value = 3`).Scan(&prediction))
	assert.False(t, prediction.Valid)

	var score float64
	require.NoError(t, db.QueryRow(`SELECT anomaly_score FROM anomaly_results WHERE value = 2`).Scan(&score))
	assert.Equal(t, 0.25, score)
}

func TestWebSocketSink(t *testing.T) {
	sink := NewWebSocketSink(10)
	outputs := sampleOutputs()
	require.NoError(t, sink.Accept(outputs[0]))

	server := httptest.NewServer(sink.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, sink.Accept(outputs[2]))

	var got []PointMessage
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg PointMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		got = append(got, msg)
	}

	assert.Equal(t, 1.0, got[0].Value, "backlog first")
	require.NotNil(t, got[0].Prediction)
	assert.Equal(t, 1.5, *got[0].Prediction)
	assert.Equal(t, 3.0, got[1].Value)
	assert.Nil(t, got[1].Prediction)

	require.NoError(t, sink.Close())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWebSocketSinkBacklogWindow(t *testing.T) {
	sink := NewWebSocketSink(2)
	for _, out := range sampleOutputs() {
		require.NoError(t, sink.Accept(out))
	}
	assert.Len(t, sink.backlog, 2)
	assert.Equal(t, 0, sink.Viewers())
}
