package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"zapdesk/pkg/apperr"
	"zapdesk/pkg/bus"
	"zapdesk/pkg/store"
	"zapdesk/pkg/supervisor"
	"zapdesk/pkg/transport"
)

const maxRequestBody = 1 << 20

type actionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	Details  string `json:"details,omitempty"`
}

type connectionStatus struct {
	Connected bool        `json:"connected"`
	Device    *bus.Device `json:"device"`
}

type sendRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

type manualRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.log.Info("Connect requested")

	started, err := s.deps.Session.Start(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Erro ao iniciar conexão", err)
		return
	}
	if !started {
		writeJSON(w, http.StatusOK, actionResponse{Status: "already_connected", Message: "WhatsApp já está conectado"}, s.log)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Status: "connecting", Message: "Iniciando conexão"}, s.log)
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.log.Info("Disconnect requested")

	stopped, err := s.deps.Session.Stop(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Erro ao desconectar", err)
		return
	}
	if !stopped {
		writeJSON(w, http.StatusOK, actionResponse{Status: "not_connected", Message: "WhatsApp não está conectado"}, s.log)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Status: "disconnected", Message: "WhatsApp desconectado com sucesso"}, s.log)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.deps.Session.Status()
	writeJSON(w, http.StatusOK, connectionStatus{Connected: state.Connected, Device: state.Device}, s.log)
}

// handleSend delivers an operator message and records it against the
// contact, creating the contact when the number is new.
func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Requisição inválida", apperr.Wrap(apperr.InvalidRequest, "decode body", err))
		return
	}
	req.Number = strings.TrimSpace(req.Number)
	if req.Number == "" || strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "Número e mensagem são obrigatórios", apperr.New(apperr.InvalidRequest, "number and message are required"))
		return
	}

	conversationID := s.deps.Session.Address(req.Number)
	if conversationID == "" {
		s.writeError(w, http.StatusBadRequest, "Número inválido", apperr.New(apperr.InvalidRequest, "number has no digits"))
		return
	}

	ctx := r.Context()
	log := s.log.With("conversation_id", conversationID)
	if err := s.deps.Session.Send(ctx, conversationID, req.Message); err != nil {
		if errors.Is(err, supervisor.ErrNotConnected) {
			s.writeError(w, http.StatusBadRequest, "WhatsApp não está conectado", err)
			return
		}
		s.writeError(w, apperr.HTTPStatus(err), "Erro ao enviar mensagem", err)
		return
	}
	log.Info("Operator message sent")

	if err := s.recordOperatorMessage(r, conversationID, req.Message); err != nil {
		log.Error("Record operator message failed", "category", apperr.CategoryFromError(err), "error", err)
	}

	writeJSON(w, http.StatusOK, actionResponse{Status: "sent", Message: "Mensagem enviada com sucesso"}, s.log)
}

func (s *Service) recordOperatorMessage(r *http.Request, conversationID string, text string) error {
	ctx := r.Context()
	phone := transport.Phone(conversationID)

	contact, err := s.deps.Store.FindContactByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		contact = &store.Contact{Phone: phone, Name: phone, Tags: []string{store.DefaultContactTag}}
		err = s.deps.Store.CreateContact(ctx, contact)
	}
	if err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "resolve contact", err)
	}

	now := s.now().UTC()
	if err := s.deps.Store.SaveMessage(ctx, &store.Message{
		ContactID:  contact.ID,
		Content:    text,
		SenderType: store.SenderUser,
		CreatedAt:  now,
	}); err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "save operator message", err)
	}
	if err := s.deps.Store.TouchContact(ctx, contact.ID, now); err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "touch contact", err)
	}
	return nil
}

func (s *Service) handleManual(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var req manualRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Requisição inválida", apperr.Wrap(apperr.InvalidRequest, "decode body", err))
		return
	}

	err := s.deps.Store.SetManualService(r.Context(), id, req.Enabled)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Contato não encontrado", apperr.New(apperr.InvalidRequest, "unknown contact"))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Erro ao atualizar contato", apperr.Wrap(apperr.PersistenceFailure, "set manual service", err))
		return
	}

	s.log.Info("Manual service toggled", "contact_id", id, "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "isManualService": req.Enabled, "updatedAt": s.now().UTC().Format(time.RFC3339)}, s.log)
}

func (s *Service) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := errorResponse{Error: message, Category: apperr.CategoryFromError(err)}
	if statusCode >= http.StatusInternalServerError && err != nil {
		resp.Details = err.Error()
		s.log.Error(message, "category", resp.Category, "error", err)
	}
	writeJSON(w, statusCode, resp, s.log)
}
