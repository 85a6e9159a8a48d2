package domharvest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/domharvest/domerr"
	"github.com/hazyhaar/domharvest/internal/kit"
	"github.com/hazyhaar/domharvest/internal/shield"
)

// Routes returns the HTTP API:
//
//	POST   /extract          extractReq  → records
//	POST   /evaluate         evaluateReq → value
//	POST   /batch            batchReq    → outcomes
//	POST   /screenshot       screenshotReq → image bytes
//	GET    /sessions         → ids
//	DELETE /sessions/{id}
//	GET    /journal?target=&op=&failures=1&limit=
//	GET    /healthz
func (h *Harvester) Routes() chi.Router {
	eps := h.endpoints()
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(h.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/extract", serve[extractReq](eps.extract))
	r.Post("/evaluate", serve[evaluateReq](eps.evaluate))
	r.Post("/batch", serve[batchReq](eps.batch))

	r.Post("/screenshot", func(w http.ResponseWriter, r *http.Request) {
		var req screenshotReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := eps.screenshot(r.Context(), &req)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		shot := resp.(*screenshotResp)
		w.Header().Set("Content-Type", "image/"+shot.Format)
		w.WriteHeader(http.StatusOK)
		w.Write(shot.Image)
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		respond(r.Context(), w, eps.sessions, &sessionsReq{Action: "list"})
	})
	r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		resp, err := eps.sessions(r.Context(), &sessionsReq{Action: "delete", ID: chi.URLParam(r, "id")})
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		if deleted, _ := resp.(map[string]any)["deleted"].(bool); !deleted {
			writeJSON(w, http.StatusNotFound, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/journal", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		respond(r.Context(), w, eps.journal, &journalReq{
			Target:       q.Get("target"),
			Op:           q.Get("op"),
			FailuresOnly: q.Get("failures") == "1" || q.Get("failures") == "true",
			SinceMS:      queryInt64(q.Get("since_ms")),
			Limit:        int(queryInt64(q.Get("limit"))),
		})
	})
	return r
}

// serve decodes a JSON body into T and runs ep.
func serve[T any](ep kit.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		respond(r.Context(), w, ep, &req)
	}
}

func respond(ctx context.Context, w http.ResponseWriter, ep kit.Endpoint, req any) {
	resp, err := ep(ctx, req)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusOf maps the error taxonomy onto HTTP statuses.
func statusOf(err error) int {
	if isInvalid(err) {
		return http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch domerr.KindOf(err) {
	case domerr.NavigationFailure:
		return http.StatusBadGateway
	case domerr.MatchTimeout:
		return http.StatusGatewayTimeout
	case domerr.ExtractionFailure:
		return http.StatusUnprocessableEntity
	case domerr.SessionNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := map[string]string{"error": err.Error()}
	if k := domerr.KindOf(err); k != "" {
		body["kind"] = string(k)
	}
	writeJSON(w, code, body)
}

func queryInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
