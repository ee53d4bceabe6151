package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
)

const maxBodyBytes = 64 << 10

type envelope map[string]interface{}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter, status int, payload envelope) {
	out := envelope{"ok": true}
	for k, v := range payload {
		out[k] = v
	}
	writeJSON(w, status, out)
}

// writeError renders err in the {ok:false,error} envelope with the status
// its ServiceError carries. Store and internal failures expose the cause.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := svcerrors.HTTPStatus(err)
	body := envelope{"ok": false, "error": err.Error()}

	se := svcerrors.GetServiceError(err)
	if se != nil {
		body["code"] = se.Code
		if se.Code != svcerrors.CodeStore && se.Code != svcerrors.CodeInternal {
			body["error"] = se.Message
		}
		if se.Code == svcerrors.CodeRateLimited {
			h.setRateLimitHeaders(w, se)
			for k, v := range se.Details {
				body[k] = v
			}
		}
	}

	log := h.logger.WithContext(r.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}
	writeJSON(w, status, body)
}

func (h *handler) setRateLimitHeaders(w http.ResponseWriter, se *svcerrors.ServiceError) {
	if remaining, ok := se.Details["remaining"].(int); ok {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}
	resetMs, ok := se.Details["resetAt"].(int64)
	if !ok {
		return
	}
	resetAt := time.UnixMilli(resetMs)
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt((resetMs+999)/1000, 10))
	w.Header().Set("Retry-After", svcerrors.RetryAfterSeconds(resetAt, h.clock.Now()))
}

// readBody decodes a JSON object, falling back to a urlencoded form. An
// empty or unreadable body yields an empty map.
func readBody(r *http.Request) map[string]interface{} {
	out := make(map[string]interface{})
	if r.Body == nil {
		return out
	}
	defer r.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err == nil {
		return out
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return map[string]interface{}{}
	}
	out = make(map[string]interface{}, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}
	return out
}

// pick returns the first of keys present with a non-null value.
func pick(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
			b, _ := json.Marshal(v)
			return string(b)
		}
	}
	return ""
}

// pickLabel reads label, or nickname when label is absent. null clears.
func pickLabel(m map[string]interface{}) *string {
	v, ok := m["label"]
	if !ok {
		v, ok = m["nickname"]
	}
	if !ok || v == nil {
		return nil
	}
	s, isString := v.(string)
	if !isString {
		b, _ := json.Marshal(v)
		s = string(b)
	}
	return &s
}

func queryParam(r *http.Request, keys ...string) string {
	q := r.URL.Query()
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}
