package util

import (
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
)

// ParseURL splits an endpoint such as unix:///tmp/htif.sock or
// tcp://localhost:9600 into a network and an address. A bare host:port is
// treated as tcp and a bare path as unix.
func ParseURL(url string) (string, string, error) {
	switch {
	case strings.HasPrefix(url, "unix://"):
		path := strings.TrimPrefix(url, "unix://")
		if path == "" {
			return "", "", fmt.Errorf("invalid url %s: empty socket path", url)
		}
		return "unix", path, nil
	case strings.HasPrefix(url, "tcp://"):
		url = strings.TrimPrefix(url, "tcp://")
	case strings.HasPrefix(url, "/"):
		return "unix", url, nil
	case strings.Contains(url, "://"):
		return "", "", fmt.Errorf("invalid url %s: unsupported scheme", url)
	}

	if _, _, err := net.SplitHostPort(url); err != nil {
		return "", "", fmt.Errorf("invalid address %s : couldn't find host and port", url)
	}
	return "tcp", url, nil
}

func Dial(url string, timeout time.Duration) (net.Conn, error) {
	network, address, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to target %v", url)
	}
	return conn, nil
}

// Listen opens a listener for url. A leftover unix socket file is removed
// first; callers are expected to hold the socket lock file.
func Listen(url string) (net.Listener, error) {
	network, address, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.RemoveAll(address); err != nil {
			return nil, errors.Wrapf(err, "failed to remove stale socket %v", address)
		}
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %v", url)
	}
	return l, nil
}

// ParseUint accepts decimal, 0x hex, 0o octal and 0b binary.
func ParseUint(s string, bitSize int) (uint64, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %v", s, err)
	}
	return v, nil
}

func IsAligned(v uint64, align int) bool {
	return align > 0 && v%uint64(align) == 0
}

// AlignUp rounds v up to the next multiple of align.
func AlignUp(v int64, align int) int64 {
	if align <= 1 {
		return v
	}
	return (v + int64(align) - 1) / int64(align) * int64(align)
}

type filteredLoggingHandler struct {
	filteredPaths  map[string]struct{}
	handler        http.Handler
	loggingHandler http.Handler
}

func FilteredLoggingHandler(filteredPaths map[string]struct{}, writer io.Writer, router http.Handler) http.Handler {
	return filteredLoggingHandler{
		filteredPaths:  filteredPaths,
		handler:        router,
		loggingHandler: handlers.CombinedLoggingHandler(writer, router),
	}
}

func (h filteredLoggingHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		if _, exists := h.filteredPaths[req.URL.Path]; exists {
			h.handler.ServeHTTP(w, req)
			return
		}
	}
	h.loggingHandler.ServeHTTP(w, req)
}

func UUID() string {
	return uuid.New().String()
}

// Bench measures a single HTIF session. benchType is
// <seq|rand>-<iops|bandwidth|latency>-<read|write>; every block is one
// blockSize transfer at an offset inside [base, base+size).
func Bench(benchType string, base uint64, size int64, blockSize int, writeAt, readAt func(uint64, []byte) error) (output string, err error) {
	benchTypeInList := strings.Split(benchType, "-")
	if len(benchTypeInList) != 3 ||
		(benchTypeInList[0] != "seq" && benchTypeInList[0] != "rand") ||
		(benchTypeInList[1] != "iops" && benchTypeInList[1] != "bandwidth" && benchTypeInList[1] != "latency") ||
		(benchTypeInList[2] != "read" && benchTypeInList[2] != "write") {
		return "", fmt.Errorf("invalid bench type %s", benchType)
	}
	if blockSize <= 0 || size < int64(blockSize) {
		return "", fmt.Errorf("bench size %v must hold at least one %v byte block", size, blockSize)
	}

	var duration time.Duration

	// Prepare data before read
	if benchTypeInList[2] == "read" {
		if _, err := dataIO(false, base, blockSize, size, writeAt); err != nil {
			return "", err
		}
		if duration, err = dataIO(benchTypeInList[0] == "rand", base, blockSize, size, readAt); err != nil {
			return "", err
		}
	}

	if benchTypeInList[2] == "write" {
		if duration, err = dataIO(benchTypeInList[0] == "rand", base, blockSize, size, writeAt); err != nil {
			return "", err
		}
	}
	if duration <= 0 {
		duration = time.Nanosecond
	}

	blocks := size / int64(blockSize)
	switch benchTypeInList[1] {
	case "iops":
		res := int(float64(blocks) / float64(duration) * 1000000000)
		output = fmt.Sprintf("htif %s %v/s, size %v, duration %vs", benchType, res, size, duration.Seconds())
	case "bandwidth":
		res := int(float64(blocks*int64(blockSize)) / float64(duration) * 1000000000 / float64(1<<10))
		output = fmt.Sprintf("htif %s %vKB/s, size %v, duration %vs", benchType, res, size, duration.Seconds())
	case "latency":
		res := float64(duration) / 1000 / float64(blocks)
		output = fmt.Sprintf("htif %s %.2fus, size %v, duration %vs", benchType, res, size, duration.Seconds())
	}
	return output, nil
}

func dataIO(isRandomIO bool, base uint64, blockSize int, size int64, ioAt func(uint64, []byte) error) (time.Duration, error) {
	blocks := size / int64(blockSize)
	buf := make([]byte, blockSize)
	for i := range buf {
		buf[i] = byte(rand.Intn(256))
	}

	start := time.Now()
	for i := int64(0); i < blocks; i++ {
		idx := i
		if isRandomIO {
			idx = rand.Int63n(blocks)
		}
		if err := ioAt(base+uint64(idx*int64(blockSize)), buf); err != nil {
			logrus.WithError(err).Errorf("Failed to run bench I/O at block %v", idx)
			return 0, err
		}
	}
	return time.Since(start), nil
}
