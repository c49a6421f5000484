package stub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/feedsync/client/internal/dataservice"
	"github.com/feedsync/client/internal/models"
	"github.com/feedsync/client/internal/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local development stub, no origin policy.
		return true
	},
}

// Server is the stub Data Service HTTP surface.
type Server struct {
	storage *Storage
	hub     *Hub
	metrics *observability.BusinessMetrics
}

// NewServer creates a Server over a storage backend and a running hub.
func NewServer(storage *Storage, hub *Hub) *Server {
	metrics, err := observability.NewBusinessMetrics()
	if err != nil {
		observability.Warnf("Business metrics unavailable: %v", err)
	}
	return &Server{storage: storage, hub: hub, metrics: metrics}
}

// Routes mounts the API onto a chi router.
func (s *Server) Routes(r chi.Router) {
	r.Post("/api/select", s.handleSelect)
	r.Post("/api/mutate", s.handleMutate)
	r.Get("/api/ws", s.handleWebSocket)
	r.Get("/api/health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	actorID := r.Header.Get("X-Actor-ID")
	if actorID == "" {
		writeError(w, dataservice.NewError(dataservice.KindInvalid, "X-Actor-ID header required"))
		return
	}

	var req models.SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dataservice.NewError(dataservice.KindInvalid, "malformed request body"))
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		observability.Table(req.Table),
		observability.ActorID(actorID),
	)

	resp, err := s.storage.Select(r.Context(), actorID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSelect(r.Context(), req.Table, len(resp.Rows))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	actorID := r.Header.Get("X-Actor-ID")
	if actorID == "" {
		writeError(w, dataservice.NewError(dataservice.KindInvalid, "X-Actor-ID header required"))
		return
	}

	var req models.MutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dataservice.NewError(dataservice.KindInvalid, "malformed request body"))
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		observability.Operation(req.Op),
		observability.Table(req.Table),
		observability.ActorID(actorID),
	)

	row, event, err := s.storage.Mutate(r.Context(), actorID, req)
	if s.metrics != nil {
		s.metrics.RecordMutation(r.Context(), req.Op, req.Table, err == nil)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if event != nil {
		topic := models.TableTopic(event.Table)
		s.hub.BroadcastChange(*event)
		if s.metrics != nil {
			s.metrics.RecordChangeEvent(r.Context(), event.Table, s.hub.TopicSubscriberCount(topic))
		}
	}
	writeJSON(w, http.StatusOK, models.MutateResponse{Row: row})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	actorID := r.URL.Query().Get("actor")
	if actorID == "" {
		http.Error(w, "actor query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.WithContext(r.Context()).Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := s.hub.NewClient(uuid.New().String(), actorID, conn)
	s.hub.Register(client)
	if s.metrics != nil {
		s.metrics.RecordWSConnection(context.Background(), 1)
		defer s.metrics.RecordWSConnection(context.Background(), -1)
	}

	go client.WritePump()
	client.ReadPump(s.handleWSMessage)
}

func (s *Server) handleWSMessage(client *Client, data []byte) {
	var msg models.RealtimeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendWSError(client, "malformed message")
		return
	}

	switch msg.Type {
	case models.WSTypeSubscribe:
		for _, topic := range msg.Topics {
			s.hub.Subscribe(client, topic)
		}
	case models.WSTypeUnsubscribe:
		for _, topic := range msg.Topics {
			s.hub.Unsubscribe(client, topic)
		}
	case models.WSTypeBroadcast:
		if msg.Topic == "" || msg.Event == "" {
			s.sendWSError(client, "broadcast requires topic and event")
			return
		}
		// Relay as-is, sender included: the client side ignores its
		// own signals by actor id, not by connection.
		s.hub.BroadcastSignal(msg.Topic, msg.Event, msg.Payload)
		if s.metrics != nil {
			s.metrics.RecordSignal(context.Background(), msg.Event)
		}
	default:
		s.sendWSError(client, "unknown message type "+msg.Type)
	}
}

func (s *Server) sendWSError(client *Client, message string) {
	data, err := json.Marshal(models.RealtimeMessage{
		Type:    models.WSTypeError,
		Message: message,
	})
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observability.Errorf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := dataservice.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case dataservice.KindInvalid:
		status = http.StatusBadRequest
	case dataservice.KindPolicyDenied:
		status = http.StatusForbidden
	case dataservice.KindNotFound:
		status = http.StatusNotFound
	}
	message := err.Error()
	var dsErr *dataservice.Error
	if errors.As(err, &dsErr) {
		message = dsErr.Message
	}
	writeJSON(w, status, models.ErrorResponse{Kind: string(kind), Message: message})
}
