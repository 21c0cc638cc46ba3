package dispatchlog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
)

// SetupLogLevels applies the default levels unless GOLOG_LOG_LEVEL is set.
func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		_ = logging.SetLogLevel("*", "INFO")
		_ = logging.SetLogLevel("rpc", "WARN")
		_ = logging.SetLogLevel("selection", "WARN")
		_ = logging.SetLogLevel("taskstore", "WARN")
	}
}

// SetDebug turns on debug output for the dispatch subsystems.
func SetDebug() {
	for _, s := range []string{"manager", "delegate", "acquisition", "correlator", "liveness", "perpetual", "runner", "selection", "taskstore"} {
		_ = logging.SetLogLevel(s, "DEBUG")
	}
}
