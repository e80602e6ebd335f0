package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/migadu/mailarchive/cache"
	errs "github.com/migadu/mailarchive/pkg/errors"
)

// Request/Response types

type StatusResponse struct {
	UptimeSeconds   int64   `json:"uptime_seconds"`
	Executors       int     `json:"executors"`
	RunningAccounts []int64 `json:"running_accounts"`
}

type MailboxesResponse struct {
	Mailboxes []cache.Mailbox `json:"mailboxes"`
}

type DeleteMailboxesRequest struct {
	Names []string `json:"names"`
}

type DeleteMailboxesResponse struct {
	Deleted    int      `json:"deleted"`
	MailboxIDs []uint64 `json:"mailbox_ids"`
}

type EnabledResponse struct {
	AccountID int64 `json:"account_id"`
	Enabled   bool  `json:"enabled"`
}

// Handler functions

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{
		UptimeSeconds:   int64(s.registry.Uptime().Seconds()),
		Executors:       s.registry.Len(),
		RunningAccounts: s.controller.Running(),
	})
}

func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	remote := false
	if v := r.URL.Query().Get("remote"); v != "" {
		if remote, err = strconv.ParseBool(v); err != nil {
			s.writeAPIError(w, errs.New(errs.InvalidParameter, "invalid remote flag %q", v))
			return
		}
	}

	mailboxes, err := s.mailboxes.ListMailboxes(r.Context(), id, remote)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if mailboxes == nil {
		mailboxes = []cache.Mailbox{}
	}
	s.writeJSON(w, http.StatusOK, MailboxesResponse{Mailboxes: mailboxes})
}

func (s *Server) handleDeleteMailboxes(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, err := accountID(r)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	var req DeleteMailboxesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, errs.New(errs.InvalidParameter, "invalid JSON body"))
		return
	}

	ids, err := s.controller.DeleteMailboxes(r.Context(), id, req.Names)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	s.writeJSON(w, http.StatusOK, DeleteMailboxesResponse{Deleted: len(ids), MailboxIDs: ids})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	mailboxes, err := s.controller.SyncNow(r.Context(), id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if mailboxes == nil {
		mailboxes = []cache.Mailbox{}
	}
	s.writeJSON(w, http.StatusOK, MailboxesResponse{Mailboxes: mailboxes})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := accountID(r)
		if err != nil {
			s.writeAPIError(w, err)
			return
		}
		if err := s.controller.SetEnabled(r.Context(), id, enabled); err != nil {
			s.writeAPIError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, EnabledResponse{AccountID: id, Enabled: enabled})
	}
}
