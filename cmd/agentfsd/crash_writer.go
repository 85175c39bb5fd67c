package main

import "os"

// crashWriter appends everything written to it to a fixed file path,
// reopening the file on every Write so it tolerates log rotation or
// deletion out from under a long-running daemon. It backs the output
// stream daemonize.Run gives the not-yet-backgrounded child process, so
// a crash during mount setup (before the daemon's own logger is wired
// up) still lands somewhere on disk rather than only on a pipe the
// parent has since closed.
type crashWriter struct {
	path string
}

func newCrashWriter(path string) *crashWriter {
	return &crashWriter{path: path}
}

func (w *crashWriter) Write(p []byte) (int, error) {
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.Write(p)
}
