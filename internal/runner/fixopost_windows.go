//go:build windows

package runner

// fixOutputProcessing does nothing on Windows; console raw mode leaves
// newline translation alone.
func fixOutputProcessing(fd int) {}
