package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/store"
)

const maxImportBytes = 8 << 20

// recordsAPI exposes the record store over HTTP and streams its change
// feed over websockets.
type recordsAPI struct {
	store  store.Store
	logger *slog.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *recordsAPI) fail(w http.ResponseWriter, err error) {
	var perr *store.ImportParseError
	switch {
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: perr.Message})
	case errors.Is(err, store.ErrUnknownTable), errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		a.logger.Error("record request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (a *recordsAPI) get(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	rec, err := a.store.Get(r.Context(), v["table"], v["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *recordsAPI) put(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	var rec store.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must be a JSON object"})
		return
	}
	stored, err := a.store.Put(r.Context(), v["table"], v["id"], rec)
	if err != nil {
		a.fail(w, err)
		return
	}
	recordWrites.WithLabelValues(v["table"], "put").Inc()
	writeJSON(w, http.StatusOK, stored)
}

func (a *recordsAPI) importRecords(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes+1))
	if err != nil {
		a.fail(w, err)
		return
	}
	if len(data) > maxImportBytes {
		importFailures.WithLabelValues(table).Inc()
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "import file is too large"})
		return
	}
	n, err := a.store.Import(r.Context(), table, data)
	if err != nil {
		var perr *store.ImportParseError
		if errors.As(err, &perr) {
			importFailures.WithLabelValues(table).Inc()
		}
		a.fail(w, err)
		return
	}
	recordWrites.WithLabelValues(table, "import").Add(float64(n))
	a.logger.Info("records imported", "table", table, "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (a *recordsAPI) export(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	data, err := a.store.Export(r.Context(), table)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", table+".json"))
	w.Write(data)
}

// stream sends every change to one record as a JSON text message
// until either side closes.
func (a *recordsAPI) stream(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	if err := store.CheckTable(v["table"]); err != nil {
		a.fail(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, err := a.store.Subscribe(r.Context(), v["table"], v["id"])
	if err != nil {
		a.logger.Warn("record subscribe failed", "table", v["table"], "id", v["id"], "error", err)
		return
	}
	defer sub.Close()
	recordStreams.Inc()
	defer recordStreams.Dec()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ch, ok := <-sub.Events():
			if !ok {
				// The feed failed; closing lets the client resubscribe.
				a.logger.Warn("record feed ended", "table", v["table"], "id", v["id"], "error", sub.Err())
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed interrupted"))
				return
			}
			if err := conn.WriteJSON(ch); err != nil {
				return
			}
		}
	}
}
