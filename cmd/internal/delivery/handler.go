package delivery

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	v1 "threadsync/shared/contracts/realtime/v1"
)

const (
	// UserHeader carries the acting user's id.
	UserHeader = "X-User-ID"

	maxBodyBytes = 4 << 10
)

// Publisher fans a payload out to a bus topic. bus.Hub satisfies it.
type Publisher interface {
	Publish(topic string, data []byte) int
}

// Handler serves delivery marks over HTTP.
type Handler struct {
	log   *slog.Logger
	store Store
	pub   Publisher
}

// NewHandler constructs a Handler. pub may be nil, in which case no
// receipt is published.
func NewHandler(log *slog.Logger, store Store, pub Publisher) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, store: store, pub: pub}
}

// Register installs the delivery routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /api/v1/booking-requests/{id}/delivered", h.handlePut)
	mux.HandleFunc("GET /api/v1/booking-requests/{id}/delivered", h.handleGet)
}

type putRequest struct {
	MessageID int64 `json:"message_id"`
}

type putResponse struct {
	ThreadID  int64 `json:"thread_id"`
	UserID    int64 `json:"user_id"`
	MessageID int64 `json:"message_id"`
	Advanced  bool  `json:"advanced"`
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	threadID, userID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req putRequest
	if rerr := decodeBody(w, r, &req); rerr != nil {
		h.log.Debug("delivery.request.refused", "thread_id", threadID, "code", rerr.Code, "status", rerr.status)
		writeRefusal(w, rerr)
		return
	}
	if req.MessageID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "message_id must be positive")
		return
	}

	current, advanced, err := h.store.AdvanceDelivered(r.Context(), threadID, userID, req.MessageID)
	if err != nil {
		if IsInvalidInput(err) {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid input")
			return
		}
		h.log.Error("delivery.advance.fail", "thread_id", threadID, "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	if advanced {
		h.publishReceipt(threadID, userID, current)
	}
	h.log.Debug("delivery.advance", "thread_id", threadID, "user_id", userID, "message_id", current, "advanced", advanced)

	writeJSON(w, http.StatusOK, putResponse{
		ThreadID:  threadID,
		UserID:    userID,
		MessageID: current,
		Advanced:  advanced,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	threadID, userID, ok := h.identify(w, r)
	if !ok {
		return
	}

	m, err := h.store.Get(r.Context(), threadID, userID)
	if err != nil {
		if IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "no delivery mark")
			return
		}
		h.log.Error("delivery.get.fail", "thread_id", threadID, "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (threadID, userID int64, ok bool) {
	threadID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || threadID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_thread", "thread id must be a positive integer")
		return 0, 0, false
	}
	userID, err = strconv.ParseInt(strings.TrimSpace(r.Header.Get(UserHeader)), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, "missing_user", "missing or invalid "+UserHeader)
		return 0, 0, false
	}
	return threadID, userID, true
}

// publishReceipt tells thread subscribers that userID received messages up
// to messageID.
func (h *Handler) publishReceipt(threadID, userID, messageID int64) {
	if h.pub == nil {
		return
	}
	data, err := json.Marshal(v1.ThreadEvent{
		Type:    v1.EventDelivered,
		Payload: v1.DeliveredPayload{UpToID: messageID, UserID: userID},
	})
	if err != nil {
		h.log.Error("delivery.receipt.encode.fail", "err", err)
		return
	}
	n := h.pub.Publish(v1.ThreadTopic(threadID), data)
	h.log.Debug("delivery.receipt.publish", "thread_id", threadID, "user_id", userID, "receivers", n)
}
