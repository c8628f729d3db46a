// Go bindings for the system SQLite library.
//
// This file locates the shared object used by the Shared backend. The search
// order is:
//
//   - an explicit path passed to Shared(path);
//   - the KSQLITE_LIB_PATH environment variable;
//   - the platform default names, resolved by the dynamic loader.
//
// The first candidate that can be opened wins; failures from every candidate
// are reported together.
package ksqlite

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// LibPathEnv overrides the location of the shared SQLite library.
const LibPathEnv = "KSQLITE_LIB_PATH"

// defaultLibNames returns the names of the system library for the current platform.
func defaultLibNames() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"libsqlite3.dylib", "/usr/lib/libsqlite3.dylib", "/opt/homebrew/opt/sqlite/lib/libsqlite3.dylib"}
	case "windows":
		return []string{"sqlite3.dll", "winsqlite3.dll"}
	default:
		return []string{"libsqlite3.so.0", "libsqlite3.so"}
	}
}

// libCandidates lists library locations in the order they are tried.
func libCandidates(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	if env := strings.TrimSpace(os.Getenv(LibPathEnv)); env != "" {
		return []string{env}
	}
	return defaultLibNames()
}

var (
	libsMu sync.Mutex
	libs   = map[string]*sqliteLib{} // keyed by requested path, "" for the default search
)

// loadLib opens and registers the library once per requested path.
func loadLib(path string) (*sqliteLib, error) {
	libsMu.Lock()
	defer libsMu.Unlock()
	if lib, ok := libs[path]; ok {
		return lib, nil
	}
	var errs error
	for _, candidate := range libCandidates(path) {
		handle, err := openLibrary(candidate)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", candidate, err))
			continue
		}
		lib := &sqliteLib{path: candidate}
		if err := lib.register(handle); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", candidate, err))
			continue
		}
		libs[path] = lib
		return lib, nil
	}
	return nil, fmt.Errorf("ksqlite: cannot load sqlite library: %w", errs)
}
