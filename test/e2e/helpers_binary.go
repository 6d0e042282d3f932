//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/factstore/internal/client"
)

const e2eAPIKey = "e2e-test-api-key"

// factstoreServer manages a running factstore server process.
type factstoreServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile string
	client  *client.Client
}

// startFactstore launches the server binary on dataDir and waits for it
// to become healthy. extraEnv entries override the defaults.
func startFactstore(t *testing.T, dataDir string, extraEnv ...string) *factstoreServer {
	t.Helper()
	requireFactstore(t)

	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	logFile := filepath.Join(dataDir, fmt.Sprintf("factstore-%d.log", port))

	cmd := exec.Command(factstoreBin)
	cmd.Env = append(serverEnv(dataDir),
		fmt.Sprintf("FACTSTORE_PORT=%d", port),
		"FACTSTORE_API_KEY="+e2eAPIKey,
		"FACTSTORE_LOG_FORMAT=text",
	)
	cmd.Env = append(cmd.Env, extraEnv...)

	lf, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start factstore: %v", err)
	}

	s := &factstoreServer{
		cmd:     cmd,
		dataDir: dataDir,
		address: address,
		logFile: logFile,
		client:  client.New("http://"+address, e2eAPIKey),
	}

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		logs, _ := os.ReadFile(logFile)
		t.Fatalf("factstore not healthy: %v\n%s", err, logs)
	}
	return s
}

// serverEnv points the binary at a database in dataDir and skips any YAML
// config file on the test host.
func serverEnv(dataDir string) []string {
	return append(os.Environ(),
		"FACTSTORE_DB_PATH="+filepath.Join(dataDir, "factstore.db"),
		"FACTSTORE_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
		"FACTSTORE_SNAPSHOT_BUCKET=",
	)
}

func (s *factstoreServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

func (s *factstoreServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := s.client.Health(ctx)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("factstore not healthy after %s", timeout)
}

func (s *factstoreServer) logs(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(s.logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(data)
}

// runCLI runs a factstore subcommand against the database in dataDir.
func runCLI(t *testing.T, dataDir string, stdin string, args ...string) (string, error) {
	t.Helper()
	requireFactstore(t)

	cmd := exec.Command(factstoreBin, args...)
	cmd.Env = serverEnv(dataDir)
	cmd.Stdin = strings.NewReader(stdin)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%v: %s", err, errOut.String())
	}
	return out.String(), nil
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
