// Command boardserver is the process entrypoint: it boots a Registry,
// wires the HTTP+WS surface, and serves until interrupted. Grounded on the
// teacher's main.go banner/init shape, adapted from a Scheme REPL host to a
// stdlib net/http server the way scm/network.go's HTTPServe builds its own
// *http.Server (same timeouts-and-handler shape, no router framework
// pulled in beyond what the teacher already declines to use).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tilecanvas/engine/board"
	"github.com/tilecanvas/engine/clock"
	"github.com/tilecanvas/engine/config"
	"github.com/tilecanvas/engine/metrics"
	"github.com/tilecanvas/engine/registry"
	"github.com/tilecanvas/engine/socket"
	"github.com/tilecanvas/engine/store/memstore"
	"github.com/tilecanvas/engine/store/sqlstore"
)

func main() {
	fmt.Print(`tilecanvas board engine
This program comes with ABSOLUTELY NO WARRANTY;
This is free software, and you are welcome to redistribute it
under certain conditions;
`)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardserver: config: %v\n", err)
		os.Exit(1)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		fmt.Fprintf(os.Stderr, "boardserver: metrics: %v\n", err)
		os.Exit(1)
	}

	newStore := storeFactory(cfg)
	reg := registry.New(newStore, clock.Real{})

	mux := http.NewServeMux()
	srv := &server{reg: reg, cfg: cfg, clk: clock.Real{}, auth: anonymousValidator{}}
	srv.routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:           addr(),
		Handler:        mux,
		ReadTimeout:    300 * time.Second,
		WriteTimeout:   300 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "boardserver: listen: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	reg.CloseAll()
}

func addr() string {
	if p := os.Getenv("BOARDSERVER_ADDR"); p != "" {
		return p
	}
	return ":8080"
}

func storeFactory(cfg config.Config) registry.StoreFactory {
	switch cfg.StoreDriver {
	case "mysql", "postgres":
		return func(boardID int64) (board.Store, error) {
			driver := "mysql"
			if cfg.StoreDriver == "postgres" {
				driver = "postgres"
			}
			return sqlstore.Open(driver, cfg.StoreDSN, boardID)
		}
	default:
		return func(boardID int64) (board.Store, error) {
			return memstore.New(boardID), nil
		}
	}
}

// anonymousValidator rejects every bearer token; it is the default
// TokenValidator wired in until a real identity provider is configured,
// so any subscription requiring authentication simply can't complete
// Phase B out of the box.
type anonymousValidator struct{}

func (anonymousValidator) Validate(ctx context.Context, token string) (int64, board.Subscription, time.Time, bool) {
	return 0, 0, time.Time{}, false
}

type server struct {
	reg  *registry.Registry
	cfg  config.Config
	clk  clock.Clock
	auth socket.TokenValidator
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /boards/{id}/pixels/{pos}", s.handlePlaceSingle)
	mux.HandleFunc("PATCH /boards/{id}/pixels", s.handlePlaceMass)
	mux.HandleFunc("DELETE /boards/{id}/pixels/{pos}", s.handleUndo)
	mux.HandleFunc("GET /boards/{id}/data/{kind}", s.handleReadData)
	mux.HandleFunc("PATCH /boards/{id}/data/{kind}", s.handleWriteData)
	mux.HandleFunc("GET /boards/{id}/socket", s.handleSocket)
	mux.HandleFunc("GET /boards", s.handleListBoards)
}

func (s *server) board(w http.ResponseWriter, r *http.Request) (*board.Board, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid board id", http.StatusBadRequest)
		return nil, false
	}
	b, ok := s.reg.Get(id)
	if !ok {
		http.Error(w, "board not found", http.StatusNotFound)
		return nil, false
	}
	return b, true
}

func userFromRequest(r *http.Request) int64 {
	if v := r.Header.Get("X-User-Id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 0
}

func overridesFromRequest(r *http.Request) board.Overrides {
	q := r.URL.Query()
	return board.Overrides{
		Color:    q.Get("override_color") == "1",
		Mask:     q.Get("override_mask") == "1",
		Cooldown: q.Get("override_cooldown") == "1",
	}
}

func writeBoardErr(w http.ResponseWriter, err error) {
	var berr *board.Error
	if errors.As(err, &berr) {
		http.Error(w, berr.Error(), berr.StatusCode())
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func setCooldownHeaders(w http.ResponseWriter, now time.Time, info board.CooldownInfo) {
	w.Header().Set("pxls-pixels-available", strconv.FormatUint(uint64(info.PixelsAvailable), 10))
	if d, ok := info.NextIn(now); ok {
		w.Header().Set("pxls-next-available", strconv.FormatInt(now.Add(d).Unix(), 10))
	}
}

func (s *server) handlePlaceSingle(w http.ResponseWriter, r *http.Request) {
	b, ok := s.board(w, r)
	if !ok {
		return
	}
	pos, err := strconv.ParseUint(r.PathValue("pos"), 10, 64)
	if err != nil {
		http.Error(w, "invalid position", http.StatusBadRequest)
		return
	}
	var body struct {
		Color byte `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	user := userFromRequest(r)
	info, placement, err := b.PlaceSingle(r.Context(), user, pos, body.Color, overridesFromRequest(r))
	if err != nil {
		writeBoardErr(w, err)
		return
	}
	setCooldownHeaders(w, s.clk.Now(), info)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(placement)
}

func (s *server) handlePlaceMass(w http.ResponseWriter, r *http.Request) {
	b, ok := s.board(w, r)
	if !ok {
		return
	}
	var body struct {
		Positions []uint64 `json:"positions"`
		Colors    []byte   `json:"colors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	user := userFromRequest(r)
	changes, timestamp, err := b.PlaceMass(r.Context(), user, body.Positions, body.Colors, overridesFromRequest(r))
	if err != nil {
		writeBoardErr(w, err)
		return
	}
	info := b.Cooldown(user, s.clk.Now())
	setCooldownHeaders(w, s.clk.Now(), info)
	if s.cfg.UndoDeadlineSeconds > 0 {
		deadline := s.clk.Now().Unix() + int64(s.cfg.UndoDeadlineSeconds)
		w.Header().Set("pxls-undo-deadline", strconv.FormatInt(deadline, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"changes": changes, "timestamp": timestamp})
}

func (s *server) handleUndo(w http.ResponseWriter, r *http.Request) {
	b, ok := s.board(w, r)
	if !ok {
		return
	}
	pos, err := strconv.ParseUint(r.PathValue("pos"), 10, 64)
	if err != nil {
		http.Error(w, "invalid position", http.StatusBadRequest)
		return
	}
	user := userFromRequest(r)
	info, err := b.Undo(r.Context(), user, pos)
	if err != nil {
		writeBoardErr(w, err)
		return
	}
	setCooldownHeaders(w, s.clk.Now(), info)
	w.WriteHeader(http.StatusNoContent)
}

func dataKind(name string) (board.BufferKind, bool) {
	switch name {
	case "colors":
		return board.Colors, true
	case "timestamps":
		return board.Timestamps, true
	case "initial":
		return board.Initial, true
	case "mask":
		return board.Mask, true
	}
	return 0, false
}

func (s *server) handleReadData(w http.ResponseWriter, r *http.Request) {
	b, ok := s.board(w, r)
	if !ok {
		return
	}
	kind, ok := dataKind(r.PathValue("kind"))
	if !ok {
		http.Error(w, "unknown data kind", http.StatusNotFound)
		return
	}
	accessor := b.Read(r.Context(), kind)

	start, end, hasRange := parseByteRange(r.Header.Get("Range"), accessor.Len())
	if hasRange {
		if cs, ok, err := b.TryReadExactSector(r.Context(), kind, start, end); err == nil && ok {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, accessor.Len()))
			w.Header().Set("Content-Encoding", "lz4")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(cs.Data)
			return
		}
		if _, err := accessor.Seek(start, 0); err != nil {
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, accessor.Len()))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = copyN(w, accessor, end-start)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = copyAll(w, accessor)
}

func (s *server) handleWriteData(w http.ResponseWriter, r *http.Request) {
	b, ok := s.board(w, r)
	if !ok {
		return
	}
	kind, ok := dataKind(r.PathValue("kind"))
	if !ok || (kind != board.Initial && kind != board.Mask) {
		http.Error(w, "data kind not patchable", http.StatusNotFound)
		return
	}
	accessor := b.Read(r.Context(), kind)
	offsetStr := r.URL.Query().Get("offset")
	offset, _ := strconv.ParseInt(offsetStr, 10, 64)
	if _, err := accessor.Seek(offset, 0); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	buf := make([]byte, 64*1024)
	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			if _, err := accessor.Write(buf[:n]); err != nil {
				writeBoardErr(w, err)
				return
			}
		}
		if readErr != nil {
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSocket(w http.ResponseWriter, r *http.Request) {
	b, ok := s.board(w, r)
	if !ok {
		return
	}
	sock, err := socket.Upgrade(w, r, b, s.auth, s.clk)
	if err != nil {
		return
	}
	if !sock.Subscriptions().RequiresAuth() {
		if uid, authed := sock.UserID(); authed {
			info := b.Cooldown(uid, s.clk.Now())
			b.InsertSocket(sock, &info)
		} else {
			b.InsertSocket(sock, nil)
		}
	} else {
		b.InsertSocket(sock, nil)
	}
	defer b.RemoveSocket(sock)
	sock.Serve(r.Context())
}

func (s *server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	ids := s.reg.List()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ids)
}

func parseByteRange(header string, total int64) (start, end int64, ok bool) {
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if parts[0] == "" {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		end = total
	} else {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		end = e + 1
	}
	if end > total {
		end = total
	}
	if start >= end {
		return 0, 0, false
	}
	return start, end, true
}

func copyN(w http.ResponseWriter, r interface{ Read([]byte) (int, error) }, n int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for written < n {
		want := int64(len(buf))
		if remain := n - written; remain < want {
			want = remain
		}
		rn, err := r.Read(buf[:want])
		if rn > 0 {
			if _, werr := w.Write(buf[:rn]); werr != nil {
				return written, werr
			}
			written += int64(rn)
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func copyAll(w http.ResponseWriter, r interface{ Read([]byte) (int, error) }) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if err != nil {
			return written, nil
		}
	}
}
