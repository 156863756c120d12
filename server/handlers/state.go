package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/log"

	"github.com/luno/flowmap/api"
)

func GetStateHandler(d Deps) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx := r.Context()
		b, err := json.Marshal(d.Session().ToolbarState())
		if err != nil {
			log.Error(ctx, errors.Wrap(err, "json marshal"))
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(b)
		if err != nil {
			log.Error(ctx, err)
		}
	}
}

// PutStateHandler applies new toolbar state. Degenerate states (no layers,
// bad subnet) are rejected and the previous criteria stay in force.
func PutStateHandler(d Deps) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		b, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		var st api.ToolbarState
		err = json.Unmarshal(b, &st)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		ctx := r.Context()
		err = d.Session().ApplyToolbar(ctx, st)
		if err != nil {
			log.Info(ctx, "rejected toolbar state", log.WithError(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
