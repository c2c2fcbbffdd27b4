package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"car-forecast/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		lines = append(lines, m)
	}
	return lines
}

func TestRunStream_SuccessThenError(t *testing.T) {
	loop := NewLoop(newTestPipeline(0.72))

	in := strings.NewReader(frontendRequest + "\n\n   \n" + `{"bodyType":"SUV"}` + "\n")
	var out bytes.Buffer

	require.NoError(t, loop.RunStream(context.Background(), in, &out))

	lines := decodeLines(t, out.String())
	require.Len(t, lines, 2)

	assert.Equal(t, true, lines[0]["profitable"])
	assert.Equal(t, "Profitable", lines[0]["prediction"])
	assert.Contains(t, lines[0], "metrics")
	assert.Contains(t, lines[0], "input")

	assert.Equal(t,
		"Missing or invalid fields: Transmission, Fuel_Type, Color, Horsepower, Top_Speed, Customisable_Interiors, Mileage_kmpl, Price_INR",
		lines[1]["error"])
}

func TestRunStream_MalformedLineDoesNotStopLoop(t *testing.T) {
	loop := NewLoop(newTestPipeline(0.2))

	in := strings.NewReader("{not json\n" + frontendRequest + "\n[1,2]\n" + frontendRequest)
	var out bytes.Buffer

	require.NoError(t, loop.RunStream(context.Background(), in, &out))

	lines := decodeLines(t, out.String())
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "error")
	assert.Equal(t, "Not Profitable", lines[1]["prediction"])
	assert.Contains(t, lines[2], "error")
	assert.Equal(t, "Not Profitable", lines[3]["prediction"], "final line without newline is served")
}

func TestRunStream_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, NewLoop(newTestPipeline(0.5)).RunStream(context.Background(), strings.NewReader(""), &out))
	assert.Empty(t, out.String())
}

func TestRunStream_LongLine(t *testing.T) {
	// Longer than bufio.Scanner's default token limit.
	padded := strings.Replace(frontendRequest, `"color":"dark blue"`, `"color":"dark blue","note":"`+strings.Repeat("x", 200_000)+`"`, 1)

	var out bytes.Buffer
	require.NoError(t, NewLoop(newTestPipeline(0.9)).RunStream(context.Background(), strings.NewReader(padded+"\n"), &out))

	lines := decodeLines(t, out.String())
	require.Len(t, lines, 1)
	assert.Equal(t, true, lines[0]["profitable"])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestRunStream_WriteFailure(t *testing.T) {
	err := NewLoop(newTestPipeline(0.9)).RunStream(context.Background(), strings.NewReader(frontendRequest+"\n"), failingWriter{})
	assert.ErrorContains(t, err, "broken pipe")
}

func TestRunStream_FlushesEachLine(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	require.NoError(t, NewLoop(newTestPipeline(0.9)).RunStream(context.Background(), strings.NewReader(frontendRequest+"\n"), w))
	assert.Equal(t, 0, w.Buffered())
	assert.NotEmpty(t, buf.String())
}

func TestRunOnce_FromArgument(t *testing.T) {
	var out bytes.Buffer
	err := NewLoop(newTestPipeline(0.5)).RunOnce(context.Background(), frontendRequest, strings.NewReader("ignored"), &out)
	require.NoError(t, err)

	lines := decodeLines(t, out.String())
	require.Len(t, lines, 1)
	prob := lines[0]["probability"].(float64)
	assert.Equal(t, prob >= 0.5, lines[0]["profitable"])
	assert.Equal(t, true, lines[0]["profitable"])
}

func TestRunOnce_FromStdin(t *testing.T) {
	var out bytes.Buffer
	err := NewLoop(newTestPipeline(0.1)).RunOnce(context.Background(), "", strings.NewReader("\n  "+frontendRequest+"\n"), &out)
	require.NoError(t, err)

	lines := decodeLines(t, out.String())
	require.Len(t, lines, 1)
	assert.Equal(t, false, lines[0]["profitable"])
}

func TestRunOnce_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	err := NewLoop(newTestPipeline(0.1)).RunOnce(context.Background(), "", strings.NewReader(" \n\t"), &out)
	require.ErrorIs(t, err, ErrEmptyInput)

	lines := decodeLines(t, out.String())
	require.Len(t, lines, 1)
	assert.Equal(t, common.ErrMsgNoInput, lines[0]["error"])
}

func TestRunOnce_ValidationFailure(t *testing.T) {
	var out bytes.Buffer
	err := NewLoop(newTestPipeline(0.1)).RunOnce(context.Background(), `{"Body_Type":"Sedan"}`, nil, &out)
	require.Error(t, err)

	lines := decodeLines(t, out.String())
	require.Len(t, lines, 1)
	assert.Equal(t, err.Error(), lines[0]["error"])
	assert.True(t, strings.HasPrefix(err.Error(), "Missing or invalid fields: Transmission"))
}

func TestRunOnce_NoHTMLEscaping(t *testing.T) {
	req := strings.Replace(frontendRequest, `"dark blue"`, `"black & white"`, 1)

	var out bytes.Buffer
	require.NoError(t, NewLoop(newTestPipeline(0.9)).RunOnce(context.Background(), req, nil, &out))
	assert.Contains(t, out.String(), `"Color":"Black & White"`)
}

func TestRunStream_CancelWhileInputOpen(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- NewLoop(newTestPipeline(0.6)).RunStream(ctx, pr, &out)
	}()

	_, err := pw.Write([]byte(frontendRequest + "\n"))
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunStream did not return after cancel")
	}
	assert.LessOrEqual(t, strings.Count(out.String(), "\n"), 1)
}

func TestRunOnce_CancelWhileInputOpen(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- NewLoop(newTestPipeline(0.6)).RunOnce(ctx, "", pr, &out)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce did not return after cancel")
	}

	lines := decodeLines(t, out.String())
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0]["error"], "context canceled")
}
