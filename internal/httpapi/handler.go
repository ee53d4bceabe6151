// Package httpapi exposes the chat operations over HTTP.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/chat_layer/internal/chat"
	"github.com/R3E-Network/chat_layer/internal/clock"
	"github.com/R3E-Network/chat_layer/internal/logging"
	"github.com/R3E-Network/chat_layer/internal/metrics"
	"github.com/R3E-Network/chat_layer/internal/middleware"
	"github.com/R3E-Network/chat_layer/internal/record"
)

// Options configures the router.
type Options struct {
	Service *chat.Service
	Logger  *logging.Logger
	Clock   clock.Clock
	Env     string
	// CORSOrigins lists allowed origins; empty disables CORS headers.
	CORSOrigins []string
	// Throttle is optional.
	Throttle *middleware.Throttle
}

type handler struct {
	svc    *chat.Service
	logger *logging.Logger
	clock  clock.Clock
	env    string
}

// NewHandler returns the API handler with its middleware chain.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	h := &handler{svc: opts.Service, logger: opts.Logger, clock: opts.Clock, env: opts.Env}

	r := mux.NewRouter()
	r.Use(middleware.NewTracingMiddleware(opts.Logger).Handler)
	if opts.Throttle != nil {
		r.Use(opts.Throttle.Handler)
	}
	r.Use(middleware.MetricsMiddleware())

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.health).Methods(http.MethodGet)
	api.HandleFunc("/chats", h.listChats).Methods(http.MethodGet)
	api.HandleFunc("/chats/dm", h.createDirect).Methods(http.MethodPost)
	api.HandleFunc("/chats/{id}/messages", h.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id}/messages", h.postMessage).Methods(http.MethodPost)
	api.HandleFunc("/lobby/messages", h.listLobby).Methods(http.MethodGet)
	api.HandleFunc("/lobby/messages", h.postLobby).Methods(http.MethodPost)
	api.HandleFunc("/contacts", h.listContacts).Methods(http.MethodGet)
	api.HandleFunc("/contacts", h.createContact).Methods(http.MethodPost)
	api.HandleFunc("/contacts", h.deleteContact).Methods(http.MethodDelete)
	api.HandleFunc("/contacts/{id}", h.updateContact).Methods(http.MethodPatch)

	return middleware.NewCORSMiddleware(opts.CORSOrigins).Handler(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, envelope{
		"service": chat.ServiceID,
		"version": chat.Version,
		"env":     h.env,
		"time":    record.FormatTime(h.clock.Now()),
	})
}

func (h *handler) createDirect(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	owner := r.Header.Get(middleware.OwnerHeader)
	peer := pick(body, "peerAddress", "peer_address", "peer")

	res, err := h.svc.CreateDirect(r.Context(), owner, peer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeOK(w, status, envelope{
		"key":            res.Key,
		"conversationId": res.ConversationID,
		"roomHash":       res.RoomHash,
		"created":        res.Created,
	})
}

func (h *handler) listChats(w http.ResponseWriter, r *http.Request) {
	addr := queryParam(r, "address")
	if addr == "" {
		addr = r.Header.Get(middleware.OwnerHeader)
	}
	chats, err := h.svc.ListConversations(r.Context(), addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"chats": nonNil(chats)})
}

func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.ListMessages(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"messages": nonNil(msgs)})
}

func (h *handler) postMessage(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	sender := pick(body, "senderAddress", "sender_address")
	if sender == "" {
		sender = r.Header.Get(middleware.OwnerHeader)
	}

	msg, err := h.svc.PostMessage(r.Context(), mux.Vars(r)["id"], sender, rawString(body, "body"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, envelope{"message": msg})
}

func (h *handler) listLobby(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(queryParam(r, "limit"))
	msgs, err := h.svc.ListLobby(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"messages": msgs})
}

func (h *handler) postLobby(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	sender := pick(body, "senderAddress", "sender_address")

	msg, err := h.svc.PostLobby(r.Context(), sender, rawString(body, "body"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, envelope{"message": msg})
}

func (h *handler) listContacts(w http.ResponseWriter, r *http.Request) {
	owner := queryParam(r, "owner_address", "ownerAddress", "owner")
	if owner == "" {
		owner = r.Header.Get(middleware.OwnerHeader)
	}
	contacts, err := h.svc.ListContacts(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"contacts": nonNil(contacts)})
}

func (h *handler) createContact(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	owner := pick(body, "owner_address", "ownerAddress", "owner", "owner_id", "ownerId")
	if owner == "" {
		owner = r.Header.Get(middleware.OwnerHeader)
	}

	contact, err := h.svc.CreateContact(r.Context(), chat.ContactInput{
		Owner:   owner,
		Contact: pick(body, "contact_address", "contactAddress", "address", "contact"),
		Label:   pickLabel(body),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, envelope{"contact": contact})
}

func (h *handler) deleteContact(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeleteContact(r.Context(), queryParam(r, "id"), r.Header.Get(middleware.OwnerHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) updateContact(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	contact, err := h.svc.UpdateContactLabel(r.Context(), mux.Vars(r)["id"], r.Header.Get(middleware.OwnerHeader), pickLabel(body))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"contact": contact})
}

// rawString returns a string field untrimmed; bodies keep their whitespace
// until the service decides.
func rawString(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return strings.TrimSpace(pick(m, key))
}

func nonNil(rows []record.Record) []record.Record {
	if rows == nil {
		return []record.Record{}
	}
	return rows
}
