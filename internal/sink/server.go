package sink

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/observability"
	"github.com/danmuck/toolmeister/internal/transfer"
)

// Server is the sink's HTTP surface.
type Server struct {
	sink *Sink
	echo *echo.Echo
}

func NewServer(s *Sink) *Server {
	srv := &Server{sink: s}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	observability.Mount(e, s.cfg.Node, observability.ServiceLogger(s.cfg.Node))
	e.PUT("/tool-data/:hash/:host", srv.handlePut)
	srv.echo = e
	return srv
}

func (srv *Server) Handler() http.Handler { return srv.echo }

func (srv *Server) Start(addr string) error {
	log.Info().Msgf("sink.Server listening addr=%q run_dir=%q", addr, srv.sink.runDir)
	err := srv.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.echo.Shutdown(ctx)
}

func (srv *Server) handlePut(c echo.Context) error {
	hash := c.Param("hash")
	host := c.Param("host")
	if !validHost(host) {
		observability.RecordDelivery(host, "bad_request", 0)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid host")
	}

	directory, err := srv.sink.Lookup(hash)
	switch {
	case errors.Is(err, ErrDirectoryConflict):
		observability.RecordDelivery(host, "conflict", 0)
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		observability.RecordDelivery(host, "unknown_directory", 0)
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	target, err := srv.sink.WithinRunTree(directory)
	if err != nil {
		log.Error().Msgf("sink.Server.handlePut host=%q err=%v", host, err)
		observability.RecordDelivery(host, "outside_run_tree", 0)
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}

	want := strings.ToLower(strings.TrimSpace(c.Request().Header.Get(transfer.ChecksumHeader)))
	if want == "" {
		observability.RecordDelivery(host, "bad_request", 0)
		return echo.NewHTTPError(http.StatusBadRequest, "missing "+transfer.ChecksumHeader+" header")
	}

	n, err := srv.receive(c.Request().Body, target, host, want)
	switch {
	case errors.Is(err, transfer.ErrChecksum):
		log.Warn().Msgf("sink.Server.handlePut host=%q bytes=%d err=%v", host, n, err)
		observability.RecordDelivery(host, "checksum", n)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, transfer.ErrUnsafePath):
		log.Warn().Msgf("sink.Server.handlePut host=%q err=%v", host, err)
		observability.RecordDelivery(host, "unsafe", n)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		log.Error().Msgf("sink.Server.handlePut host=%q directory=%q err=%v", host, directory, err)
		observability.RecordDelivery(host, "error", n)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	observability.RecordDelivery(host, "ok", n)
	log.Info().Msgf("sink.Server.handlePut stored host=%q directory=%q bytes=%d", host, directory, n)
	return c.NoContent(http.StatusOK)
}

// receive spools the body next to its destination, verifies the checksum and
// extracts it under directory/host.
func (srv *Server) receive(body io.Reader, directory, host, want string) (int64, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return 0, err
	}
	spool, err := os.CreateTemp(directory, "."+host+".upload-")
	if err != nil {
		return 0, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(spool, h), body)
	if err != nil {
		return n, err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return n, fmt.Errorf("%w: got %s want %s", transfer.ErrChecksum, got, want)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return n, err
	}
	return n, transfer.Extract(spool, directory, host)
}

func validHost(host string) bool {
	return host != "" && host != "." && host != ".." && !strings.ContainsAny(host, `/\`)
}
