package ultcom

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/chat"
	"github.com/klipach/ultcom/contract"
	"github.com/klipach/ultcom/filter"
	"github.com/klipach/ultcom/inflight"
	"github.com/klipach/ultcom/log"
	"github.com/klipach/ultcom/store"
)

const (
	bodyLogField      = "body"
	unknownSenderName = "Unknown"
	maxBodyBytes      = 64 << 10
)

type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Session, error)
}

// Server serves the Connect and Send functions for clients that write
// through the backend instead of the store.
type Server struct {
	auth  Authenticator
	dir   *chat.Directory
	rooms *chat.Rooms
	guard inflight.Guard
	now   func() time.Time
}

// NewServer builds the functions over s. lookup may be nil, in which case
// numbers without a profile are reported as not found.
func NewServer(a Authenticator, s store.Store, rules chat.PhoneRules, guard inflight.Guard, lookup chat.PhoneLookup) *Server {
	dir := chat.NewDirectory(s, rules)
	if lookup != nil {
		dir.WithPhoneLookup(lookup)
	}
	return &Server{
		auth:  a,
		dir:   dir,
		rooms: chat.NewRooms(s),
		guard: guard,
		now:   time.Now,
	}
}

// begin runs the checks every function shares and decodes the body into v.
// It writes the error response itself and returns nil on failure.
func (s *Server) begin(w http.ResponseWriter, r *http.Request, v any) (*auth.Session, *slog.Logger) {
	logger := log.LoggerFromContext(r.Context())

	if r.Method != http.MethodPost {
		logger.Error("invalid method: " + r.Method)
		http.Error(w, "Method Not Implemented", http.StatusNotImplemented)
		return nil, nil
	}

	sess, err := s.auth.Authenticate(r)
	if err != nil {
		logger.Error("error while authenticating", log.Err(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, nil
	}
	logger = logger.With(slog.String(log.UserIDField, sess.UID))

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Error("error while reading request body", log.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, nil
	}
	logger.Info("incoming request", slog.String(bodyLogField, string(data)))

	if err := json.Unmarshal(data, v); err != nil {
		logger.Error("error while decoding request", log.Err(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return nil, nil
	}
	return sess, logger
}

// Connect finds the user registered with the requested phone number and
// makes sure the room between the caller and that user exists.
func (s *Server) Connect(w http.ResponseWriter, r *http.Request) {
	var req contract.ConnectRequest
	sess, logger := s.begin(w, r, &req)
	if sess == nil {
		return
	}
	ctx := log.WithLogger(r.Context(), logger)

	self, err := s.dir.Get(ctx, sess.UID)
	if errors.Is(err, chat.ErrUserNotFound) {
		logger.Warn("caller has no profile")
		http.Error(w, "Profile Incomplete", http.StatusPreconditionFailed)
		return
	}
	if err != nil {
		logger.Error("error while loading caller profile", log.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	conn, err := chat.Connect(ctx, s.dir, s.rooms, *self, req.PhoneNumber)
	switch {
	case errors.Is(err, chat.ErrInvalidPhone), errors.Is(err, chat.ErrSelfChat):
		logger.Warn("connect rejected", log.Err(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, chat.ErrUserNotFound):
		logger.Info("no user with this phone number")
		http.Error(w, "User Not Found", http.StatusNotFound)
		return
	case errors.Is(err, chat.ErrPeerNotReady):
		logger.Info("phone owner has not completed sign up")
		http.Error(w, "User Not Ready", http.StatusConflict)
		return
	case err != nil:
		logger.Error("error while connecting", log.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, logger, contract.ConnectResponse{
		RoomID:        conn.Room.ID,
		OtherUserID:   conn.Other.UID,
		OtherUserName: conn.Other.DisplayName,
	})
}

// Send stores a message in a room the caller belongs to. A message id that
// is being written or already stored is reported as a duplicate and not
// written again.
func (s *Server) Send(w http.ResponseWriter, r *http.Request) {
	var req contract.SendRequest
	sess, logger := s.begin(w, r, &req)
	if sess == nil {
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	logger = logger.With(
		slog.String(log.RoomIDField, req.RoomID),
		slog.String(log.MessageIDField, req.MessageID),
	)
	ctx := log.WithLogger(r.Context(), logger)

	if req.RoomID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	text, err := filter.Sanitize(req.Text)
	if err != nil {
		logger.Warn("message rejected", log.Err(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	room, err := s.rooms.Get(ctx, req.RoomID)
	if errors.Is(err, chat.ErrRoomNotFound) {
		http.Error(w, "Room Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("error while loading room", log.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	recipient, err := chat.Peer(room, sess.UID)
	if err != nil {
		logger.Warn("caller is not a participant", log.Err(err))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	key := req.RoomID + "/" + req.MessageID
	err = s.guard.Acquire(ctx, key)
	if errors.Is(err, inflight.ErrInProgress) {
		logger.Info("duplicate send in flight")
		writeJSON(w, logger, contract.SendResponse{MessageID: req.MessageID, Duplicate: true})
		return
	}
	if err != nil {
		logger.Error("error while acquiring send guard", log.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := s.guard.Release(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn("error while releasing send guard", log.Err(err))
		}
	}()

	stored, err := s.rooms.HasMessage(ctx, req.RoomID, req.MessageID)
	if err != nil {
		logger.Error("error while checking message", log.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if stored {
		logger.Info("duplicate send of a stored message")
		writeJSON(w, logger, contract.SendResponse{MessageID: req.MessageID, Duplicate: true})
		return
	}

	msg := contract.Message{
		ID:        req.MessageID,
		Text:      text,
		CreatedAt: s.now(),
		User:      s.sender(ctx, sess),
	}
	err = s.rooms.RecordMessageSent(ctx, req.RoomID, msg, recipient)
	if errors.Is(err, chat.ErrSummaryNotUpdated) {
		logger.Warn("message stored, room summary lags", log.Err(err))
	} else if err != nil {
		logger.Error("error while sending message", log.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, logger, contract.SendResponse{MessageID: req.MessageID})
}

func (s *Server) sender(ctx context.Context, sess *auth.Session) contract.MessageUser {
	u := contract.MessageUser{ID: sess.UID, Name: sess.DisplayName, Avatar: sess.AvatarURL}
	if p, err := s.dir.Get(ctx, sess.UID); err == nil && p.DisplayName != "" {
		u.Name, u.Avatar = p.DisplayName, p.AvatarURL
	}
	if u.Name == "" {
		u.Name = unknownSenderName
	}
	return u
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("error while writing response", log.Err(err))
	}
}
