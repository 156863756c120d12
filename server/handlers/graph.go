package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/log"
)

func GetGraphHandler(d Deps) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx := r.Context()
		resp := d.Session().WireGraph()
		b, err := json.Marshal(resp)
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

func GetFrameHandler(d Deps) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx := r.Context()
		b, err := json.Marshal(d.Session().Frame())
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
