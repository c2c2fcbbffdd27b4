package ml

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"car-forecast/internal/features"

	"github.com/rs/zerolog/log"
)

// PythonConfig configures the Python bridge backend.
type PythonConfig struct {
	PythonPath       string // explicit interpreter; discovered when empty
	ScriptPath       string // bridge script; the embedded one is written when empty
	ModelPath        string // Keras .h5 model
	PreprocessorPath string // joblib-pickled ColumnTransformer
	StartupTimeout   time.Duration
}

// PythonBackend keeps one Python child process alive for the lifetime of the
// service. The model and preprocessor are loaded by the child once at start;
// each call is one JSON line in and one JSON line out.
type PythonBackend struct {
	mu         sync.Mutex
	config     PythonConfig
	pythonPath string
	scriptPath string
	ownsScript bool // scriptPath was written by this backend

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *tailBuffer
}

type bridgeRequest struct {
	Op     string       `json:"op"`
	Row    features.Row `json:"row,omitempty"`
	Vector []float64    `json:"vector,omitempty"`
}

type bridgeResponse struct {
	Ready       bool      `json:"ready,omitempty"`
	Vector      []float64 `json:"vector,omitempty"`
	Probability *float64  `json:"probability,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// NewPythonBackend locates an interpreter, starts the bridge and health-checks it.
func NewPythonBackend(config PythonConfig) (*PythonBackend, error) {
	for _, p := range []string{config.ModelPath, config.PreprocessorPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("artifact not accessible: %w", err)
		}
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 2 * time.Minute
	}

	pythonPath, err := findPython(config.PythonPath)
	if err != nil {
		return nil, err
	}

	b := &PythonBackend{
		config:     config,
		pythonPath: pythonPath,
		scriptPath: config.ScriptPath,
	}
	if b.scriptPath == "" {
		b.scriptPath = filepath.Join(os.TempDir(), fmt.Sprintf("car_forecast_bridge_%d.py", os.Getpid()))
		b.ownsScript = true
	}

	b.mu.Lock()
	err = b.startLocked()
	b.mu.Unlock()
	if err != nil {
		b.Close()
		return nil, err
	}

	if err := b.healthCheck(); err != nil {
		b.Close()
		return nil, fmt.Errorf("python bridge health check failed: %w", err)
	}

	log.Info().
		Str("python_path", pythonPath).
		Str("model_path", config.ModelPath).
		Str("preprocessor_path", config.PreprocessorPath).
		Msg("Python bridge ready")

	return b, nil
}

// Transform runs the fitted preprocessor in the child process.
func (b *PythonBackend) Transform(ctx context.Context, row features.Row) ([]float64, error) {
	resp, err := b.call(ctx, bridgeRequest{Op: "transform", Row: row})
	if err != nil {
		return nil, err
	}
	if len(resp.Vector) == 0 {
		return nil, fmt.Errorf("bridge returned an empty feature vector")
	}
	return resp.Vector, nil
}

// PredictProba runs the Keras model in the child process.
func (b *PythonBackend) PredictProba(ctx context.Context, vector []float64) (float64, error) {
	resp, err := b.call(ctx, bridgeRequest{Op: "predict", Vector: vector})
	if err != nil {
		return 0, err
	}
	if resp.Probability == nil {
		return 0, fmt.Errorf("bridge response has no probability")
	}
	return *resp.Probability, nil
}

// Close stops the child process and removes the bridge script if the backend
// wrote it. A later call restarts both.
func (b *PythonBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.stopLocked()
	if b.ownsScript {
		if rerr := os.Remove(b.scriptPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			log.Warn().Err(rerr).Str("script_path", b.scriptPath).Msg("Failed to remove bridge script")
		}
	}
	return err
}

// ensureScriptLocked rewrites an owned bridge script that is missing.
func (b *PythonBackend) ensureScriptLocked() error {
	if !b.ownsScript {
		return nil
	}
	if _, err := os.Stat(b.scriptPath); err == nil {
		return nil
	}
	if err := createBridgeScript(b.scriptPath); err != nil {
		return fmt.Errorf("failed to create bridge script: %w", err)
	}
	return nil
}

func (b *PythonBackend) call(ctx context.Context, req bridgeRequest) (*bridgeResponse, error) {
	if b == nil {
		return nil, fmt.Errorf("python backend is nil")
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bridge request: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// A previous call may have been cancelled mid-read, which kills the child.
	if b.cmd == nil {
		log.Warn().Msg("Python bridge not running, restarting")
		if err := b.startLocked(); err != nil {
			return nil, err
		}
	}

	if _, err := b.stdin.Write(append(line, '\n')); err != nil {
		b.stopLocked()
		return nil, fmt.Errorf("failed to write to python bridge: %w, stderr: %s", err, b.stderr.String())
	}

	resp, err := b.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		log.Error().
			Str("python_error", resp.Error).
			Str("op", req.Op).
			Msg("Python bridge returned error")
		return nil, fmt.Errorf("python bridge error: %s", resp.Error)
	}
	return resp, nil
}

// readLocked reads one response line, abandoning the child if ctx ends first.
func (b *PythonBackend) readLocked(ctx context.Context) (*bridgeResponse, error) {
	type result struct {
		line []byte
		err  error
	}

	stdout := b.stdout
	ch := make(chan result, 1)
	go func() {
		line, err := stdout.ReadBytes('\n')
		ch <- result{line, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			stderr := b.stderr.String()
			b.stopLocked()
			return nil, fmt.Errorf("python bridge exited: %w, stderr: %s", r.err, stderr)
		}
		var resp bridgeResponse
		if err := json.Unmarshal(r.line, &resp); err != nil {
			log.Error().
				Err(err).
				Str("stdout", string(r.line)).
				Msg("Failed to parse bridge response")
			return nil, fmt.Errorf("failed to parse bridge response: %w", err)
		}
		return &resp, nil
	case <-ctx.Done():
		b.stopLocked()
		return nil, fmt.Errorf("python bridge call abandoned: %w", ctx.Err())
	}
}

func (b *PythonBackend) startLocked() error {
	if err := b.ensureScriptLocked(); err != nil {
		return err
	}

	cmd := exec.Command(b.pythonPath, b.scriptPath, b.config.ModelPath, b.config.PreprocessorPath)
	cmd.Env = append(os.Environ(),
		"TF_CPP_MIN_LOG_LEVEL=2",
		"PYTHONUNBUFFERED=1",
		"OMP_NUM_THREADS=1",
		"TF_ENABLE_ONEDNN_OPTS=0",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 8 << 10}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start python bridge: %w", err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.stdout = bufio.NewReader(stdout)
	b.stderr = stderr

	ctx, cancel := context.WithTimeout(context.Background(), b.config.StartupTimeout)
	defer cancel()

	start := time.Now()
	resp, err := b.readLocked(ctx)
	if err != nil {
		return fmt.Errorf("python bridge did not start: %w", err)
	}
	if resp.Error != "" {
		b.stopLocked()
		return fmt.Errorf("python bridge failed to load artifacts: %s", resp.Error)
	}
	if !resp.Ready {
		b.stopLocked()
		return fmt.Errorf("python bridge sent unexpected greeting")
	}

	log.Debug().Dur("startup", time.Since(start)).Int("pid", cmd.Process.Pid).Msg("Python bridge started")
	return nil
}

func (b *PythonBackend) stopLocked() error {
	if b.cmd == nil {
		return nil
	}
	cmd := b.cmd
	b.cmd = nil

	b.stdin.Close()
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	err := cmd.Wait()
	if err != nil && !strings.Contains(err.Error(), "killed") {
		log.Debug().Err(err).Msg("Python bridge exited")
	}
	return nil
}

func (b *PythonBackend) healthCheck() error {
	// Test with a known-good configuration
	rec := features.Record{
		BodyType:              "Sedan",
		Transmission:          "Manual",
		FuelType:              "Petrol",
		Color:                 "Black",
		Horsepower:            150,
		TopSpeed:              200,
		CustomisableInteriors: "No",
		MileageKmpl:           15,
		PriceINR:              1500000,
	}
	_, _, err := NewAdapter(b, b).Predict(context.Background(), rec)
	return err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func findPython(explicit string) (string, error) {
	if explicit != "" {
		path, err := exec.LookPath(explicit)
		if err != nil {
			return "", fmt.Errorf("python executable %s not usable: %w", explicit, err)
		}
		return path, nil
	}

	const importCheck = "import sys, joblib; print('Python', sys.version)"

	// First try to find virtual environment Python
	if venvPath := os.Getenv("VIRTUAL_ENV"); venvPath != "" {
		candidates := []string{
			filepath.Join(venvPath, "bin", "python3"),
			filepath.Join(venvPath, "bin", "python"),
			filepath.Join(venvPath, "Scripts", "python.exe"),
		}
		for _, venvPython := range candidates {
			if _, err := os.Stat(venvPython); err == nil {
				cmd := exec.Command(venvPython, "-c", importCheck)
				if output, err := cmd.Output(); err == nil && strings.Contains(string(output), "Python 3") {
					log.Info().Str("python_path", venvPython).Msg("Using virtual environment Python")
					return venvPython, nil
				}
			}
		}
	}

	// Try venvs next to the working directory and the executable
	var roots []string
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, wd, filepath.Join(wd, "DL"))
	}
	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		roots = append(roots, execDir, filepath.Dir(execDir))
	}
	for _, root := range roots {
		for _, venvPython := range []string{
			filepath.Join(root, "venv", "bin", "python3"),
			filepath.Join(root, ".venv", "bin", "python3"),
			filepath.Join(root, "venv", "Scripts", "python.exe"),
		} {
			if _, err := os.Stat(venvPython); err == nil {
				cmd := exec.Command(venvPython, "-c", importCheck)
				if output, err := cmd.Output(); err == nil && strings.Contains(string(output), "Python 3") {
					log.Info().Str("python_path", venvPython).Msg("Using project virtual environment Python")
					return venvPython, nil
				}
			}
		}
	}

	candidates := []string{"python3", "python", "python3.12", "python3.11", "python3.10"}
	for _, candidate := range candidates {
		path, err := exec.LookPath(candidate)
		if err == nil {
			cmd := exec.Command(path, "-c", importCheck)
			output, err := cmd.Output()
			if err == nil && strings.Contains(string(output), "Python 3") {
				log.Info().Str("python_path", path).Msg("Using system Python")
				return path, nil
			}
		}
	}

	return "", fmt.Errorf("no Python 3 with joblib found; set PYTHON_PATH or VIRTUAL_ENV")
}

func createBridgeScript(scriptPath string) error {
	script := `#!/usr/bin/env python3
"""
Car profitability bridge. Loads the Keras model and the fitted preprocessor
once, then answers one JSON request per stdin line on stdout.
"""
import json
import os
import sys

os.environ.setdefault("TF_CPP_MIN_LOG_LEVEL", "2")
os.environ.setdefault("OMP_NUM_THREADS", "1")
os.environ.setdefault("TF_NUM_INTRAOP_THREADS", "1")
os.environ.setdefault("TF_NUM_INTEROP_THREADS", "1")

COLUMNS = [
    "Body_Type",
    "Transmission",
    "Fuel_Type",
    "Color",
    "Horsepower",
    "Top_Speed",
    "Customisable_Interiors",
    "Mileage_kmpl",
    "Price_INR",
]


def reply(obj):
    sys.stdout.write(json.dumps(obj) + "\n")
    sys.stdout.flush()


def main():
    if len(sys.argv) != 3:
        reply({"error": "Usage: bridge.py <model_path> <preprocessor_path>"})
        sys.exit(1)

    try:
        import joblib
        import numpy as np
        import pandas as pd
        from tensorflow.keras.models import load_model

        model = load_model(sys.argv[1])
        preprocessor = joblib.load(sys.argv[2])
    except Exception as e:
        reply({"error": str(e)})
        sys.exit(1)

    reply({"ready": True})

    for line in sys.stdin:
        line = line.strip()
        if not line:
            continue
        try:
            req = json.loads(line)
            op = req.get("op")
            if op == "transform":
                row = req["row"]
                frame = pd.DataFrame([{c: row[c] for c in COLUMNS}])
                out = preprocessor.transform(frame)
                if hasattr(out, "toarray"):
                    out = out.toarray()
                reply({"vector": np.asarray(out, dtype=float)[0].tolist()})
            elif op == "predict":
                x = np.asarray([req["vector"]], dtype=np.float32)
                reply({"probability": float(model.predict(x, verbose=0)[0][0])})
            else:
                reply({"error": "unknown op: %r" % op})
        except Exception as e:
            reply({"error": str(e)})


if __name__ == "__main__":
    main()
`

	return os.WriteFile(scriptPath, []byte(script), 0o755)
}
