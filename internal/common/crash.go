// -----------------------------------------------------------------------
// Crash Protection - Fatal error handling and crash file generation
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// CrashLogDir is the directory where crash files will be written.
// Set during application initialization.
var CrashLogDir = "./logs"

// InstallCrashHandler sets up process-level crash protection.
// This should be called at the very start of main() with a deferred recovery.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		CrashLogDir = logDir
	}

	if err := os.MkdirAll(CrashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create log directory: %v\n", err)
	}
}

// HandleCrash writes a crash file and exits with status 2. Call via defer in main:
//
//	defer func() {
//	    if r := recover(); r != nil {
//	        common.HandleCrash(r)
//	    }
//	}()
func HandleCrash(panicVal any) {
	buf := make([]byte, 64*1024)
	n := runtime.Stack(buf, true)
	stackTrace := string(buf[:n])

	WriteCrashFile(panicVal, stackTrace)

	fmt.Fprintf(os.Stderr, "FATAL: %v\n%s\n", panicVal, stackTrace)
	os.Exit(2)
}

// WriteCrashFile persists a crash report for post-mortem analysis
func WriteCrashFile(panicVal any, stackTrace string) {
	timestamp := time.Now().Format("20060102-150405")
	path := filepath.Join(CrashLogDir, fmt.Sprintf("crash-%s.log", timestamp))

	content := fmt.Sprintf("Crash at: %s\nVersion: %s\nPanic: %v\n\nStack:\n%s\n",
		time.Now().Format(time.RFC3339), GetFullVersion(), panicVal, stackTrace)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to write crash file: %v\n", err)
	}
}
