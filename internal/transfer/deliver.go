package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/poll"
)

// ChecksumHeader carries the archive md5 hex digest on a delivery PUT.
const ChecksumHeader = "md5sum"

const (
	DefaultRetryInterval = 100 * time.Millisecond
	DefaultRetryAttempts = 200
)

// DeliverConfig controls one delivery. A nil Client uses http.DefaultClient.
type DeliverConfig struct {
	Client *http.Client
	Retry  poll.Config
}

func DefaultRetry() poll.Config {
	return poll.Config{Backoff: poll.Fixed(DefaultRetryInterval), Attempts: DefaultRetryAttempts}
}

// SinkURL is the PUT target for host's data in directory.
func SinkURL(controller string, port int, directory, host string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(controller, strconv.Itoa(port)),
		Path:   "/tool-data/" + DirectoryHash(directory) + "/" + host,
	}
	return u.String()
}

// Deliver PUTs the archive at archivePath to target. Only connection errors
// are retried; a response other than 200 fails immediately with ErrRejected.
func Deliver(ctx context.Context, cfg DeliverConfig, target, archivePath, checksum string) error {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 && retry.Timeout <= 0 {
		retry = DefaultRetry()
	}

	var lastErr error
	var status int
	outcome, err := poll.Until(ctx, retry, func(attempt int) (bool, error) {
		code, err := put(ctx, client, target, archivePath, checksum)
		if err == nil {
			status = code
			return true, nil
		}
		if !IsConnectionError(err) {
			return false, err
		}
		lastErr = err
		log.Debug().Msgf("transfer.Deliver connection failed attempt=%d target=%q err=%v", attempt, target, err)
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("transfer: deliver %s: %w", target, err)
	}
	if outcome == poll.TimedOut {
		return fmt.Errorf("transfer: deliver %s: retries exhausted: %w", target, lastErr)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: %s status=%d", ErrRejected, target, status)
	}
	return nil
}

func put(ctx context.Context, client *http.Client, target, archivePath, checksum string) (int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return 0, err
	}
	req.ContentLength = info.Size()
	req.Header.Set(ChecksumHeader, checksum)
	req.Header.Set("Content-Type", "application/zstd")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// IsConnectionError reports whether err means the sink could not be reached,
// as opposed to a request the sink answered.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
