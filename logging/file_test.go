package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestFileLogger_OpenModes(t *testing.T) {
	dir := t.TempDir()

	fresh := filepath.Join(dir, "fresh.log")
	l, err := NewFileLogger(fresh)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	l.Close()
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("log file not created: %v", err)
	}

	existing := filepath.Join(dir, "existing.log")
	if err := os.WriteFile(existing, []byte("gateway line1 started\n"), 0644); err != nil {
		t.Fatal(err)
	}
	l, err = NewFileLogger(existing)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	l.Log("gateway line1 stopped")
	l.Close()
	got := readLog(t, existing)
	if !strings.HasPrefix(got, "gateway line1 started\n") || !strings.Contains(got, "gateway line1 stopped") {
		t.Errorf("log not appended: %q", got)
	}

	if _, err := NewFileLogger(filepath.Join(dir, "missing", "x.log")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestFileLogger_Log(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abtagd.log")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	l.Log("polling %d gateways", 3)

	line := strings.TrimSpace(readLog(t, path))
	// 2006-01-02 15:04:05.000 polling 3 gateways
	if len(line) < 24 || line[4] != '-' || line[10] != ' ' || !strings.HasSuffix(line, " polling 3 gateways") {
		t.Errorf("unexpected line %q", line)
	}

	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	l.Log("after close")
	if strings.Contains(readLog(t, path), "after close") {
		t.Error("logged after close")
	}

	var nilLogger *FileLogger
	nilLogger.Log("ignored")
}

func TestFileLogger_Levels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Warn("gateway %s slow", "10.0.0.5")
	logger.Error("tag %s failed", "Counter")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	str := string(content)
	if !strings.Contains(str, "WARN gateway 10.0.0.5 slow") {
		t.Errorf("missing warning, got: %s", str)
	}
	if !strings.Contains(str, "ERROR tag Counter failed") {
		t.Errorf("missing error, got: %s", str)
	}
}

func TestFileLogger_Rotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abtagd.log")

	logger, err := NewRotatingFileLogger(path, 200)
	if err != nil {
		t.Fatalf("NewRotatingFileLogger failed: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 20; i++ {
		logger.Log("poll cycle %d complete", i)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("current file missing: %v", err)
	}
	if st.Size() >= 200 {
		t.Errorf("current file not rotated, size %d", st.Size())
	}
}

func TestFileLogger_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abtagd.log")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Log("tag Counter[%d] changed", n)
		}(i)
	}
	wg.Wait()

	if n := strings.Count(readLog(t, path), "\n"); n != 50 {
		t.Errorf("expected 50 lines, got %d", n)
	}
}
