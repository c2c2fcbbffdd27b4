package common

// Environment variable keys
const (
	EnvConfigFile           = "CONFIG_FILE"
	EnvModelBackend         = "MODEL_BACKEND"
	EnvModelPath            = "MODEL_PATH"
	EnvPreprocessorPath     = "PREPROCESSOR_PATH"
	EnvMetricsPath          = "METRICS_PATH"
	EnvPythonPath           = "PYTHON_PATH"
	EnvPythonStartupTimeout = "PYTHON_STARTUP_TIMEOUT"
	EnvDataPath             = "DATA_PATH"
	EnvHTTPPort             = "HTTP_PORT"
	EnvHTTPTimeout          = "HTTP_TIMEOUT"
	EnvLogLevel             = "LOG_LEVEL"
)

// Inference backends
const (
	BackendNative = "native"
	BackendPython = "python"
)

// Configuration defaults
const (
	DefaultModelBackend     = BackendNative
	DefaultArtifactsDir     = "DL"
	DefaultNativeModel      = DefaultArtifactsDir + "/model.json"
	DefaultNativePreproc    = DefaultArtifactsDir + "/preprocessor.json"
	DefaultPythonModel      = DefaultArtifactsDir + "/fnn_model.h5"
	DefaultPythonPreproc    = DefaultArtifactsDir + "/preprocessor.pkl"
	DefaultMetricsPath      = DefaultArtifactsDir + "/metrics.npz"
	DefaultHTTPPort         = 3001
	DefaultLogLevel         = "info"
	DefaultHTTPTimeoutSecs  = 60
	DefaultPythonStartupSec = 120
)

// Validation constants
const (
	MinHTTPPort = 1024
	MaxHTTPPort = 65535
)

// Prediction labels
const (
	LabelProfitable    = "Profitable"
	LabelNotProfitable = "Not Profitable"
)

// Common error messages
const (
	ErrMsgNoInput = "No input provided. Pass --json '{...}' or pipe JSON via stdin."
)
