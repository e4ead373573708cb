package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"
)

// HelperBackendEnv switches a test binary into helper-backend mode. Packages
// that supervise real processes call RunHelperBackendIfRequested from TestMain
// and launch os.Args[0] with this variable set.
const HelperBackendEnv = "GATEWAY_HELPER_BACKEND"

// HelperBackendModeEnv selects a misbehaviour for the helper backend:
// "" serves normally, "crash" exits immediately with code 3, "never-ready"
// binds nothing and sleeps, "exit-after-ready" serves one request then exits,
// "orphan-output" leaves a sleeping grandchild holding its stdout and stderr
// and exits with code 4.
const HelperBackendModeEnv = "GATEWAY_HELPER_BACKEND_MODE"

// HelperBackendStartedFileEnv names a file the helper appends its PID to on start.
const HelperBackendStartedFileEnv = "GATEWAY_HELPER_BACKEND_STARTED_FILE"

type doubleRequest struct {
	Value int `json:"value"`
}

type doubleResponse struct {
	Result int `json:"result"`
}

// BackendHandler mirrors the real backend: GET / answers OK, POST /api/double
// returns twice the posted value.
func BackendHandler(onDouble func()) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "OK")
	})
	mux.HandleFunc("/api/double", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if onDouble != nil {
			onDouble()
		}
		var req doubleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprintf(w, "Json deserialize error: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doubleResponse{Result: req.Value * 2})
	})
	return mux
}

// RunHelperBackendIfRequested never returns when the helper env var is set.
func RunHelperBackendIfRequested() {
	if os.Getenv(HelperBackendEnv) != "1" {
		return
	}
	os.Exit(runHelperBackend())
}

func runHelperBackend() int {
	if path := os.Getenv(HelperBackendStartedFileEnv); path != "" {
		if f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
		}
	}
	fmt.Fprintln(os.Stderr, "helper backend starting")

	switch os.Getenv(HelperBackendModeEnv) {
	case "crash":
		fmt.Fprintln(os.Stderr, "helper backend crashing")
		return 3
	case "never-ready":
		time.Sleep(time.Minute)
		return 0
	case "orphan-output":
		return spawnOrphan()
	}

	port := os.Getenv("PORT")
	if _, err := strconv.Atoi(port); err != nil {
		fmt.Fprintf(os.Stderr, "invalid PORT %q\n", port)
		return 2
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		return 2
	}
	fmt.Printf("Starting server on %s\n", ln.Addr())

	exitAfterOne := os.Getenv(HelperBackendModeEnv) == "exit-after-ready"
	handler := BackendHandler(nil)
	if exitAfterOne {
		inner := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			inner.ServeHTTP(w, r)
			if r.URL.Path == "/api/double" {
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
				go func() {
					time.Sleep(50 * time.Millisecond)
					os.Exit(0)
				}()
			}
		})
	}
	_ = http.Serve(ln, handler)
	return 0
}

func spawnOrphan() int {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), HelperBackendModeEnv+"=never-ready")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "spawn grandchild: %v\n", err)
		return 2
	}
	fmt.Printf("grandchild %d holds output\n", cmd.Process.Pid)
	return 4
}

// KillStartedHelpers kills every helper PID recorded in the started file.
func KillStartedHelpers(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, field := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Kill()
		}
	}
}

// FreePort reserves and releases a loopback port for a child process to bind.
func FreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
