package http

import (
	"net/http"
	"strings"
	"time"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/events"
	"flowedge-server/pkg/flowtoken"
)

// BindingView is the JSON form of a registrar binding
type BindingView struct {
	Contact    string           `json:"contact"`
	InstanceID string           `json:"instance_id,omitempty"`
	RegID      int              `json:"reg_id,omitempty"`
	Outbound   bool             `json:"outbound"`
	Path       []string         `json:"path,omitempty"`
	ExpiresIn  int              `json:"expires_in"`
	Source     string           `json:"source"`
	Transport  string           `json:"transport"`
	Flow       *events.FlowView `json:"flow,omitempty"`
}

// handleRegistrations lists the live bindings of ?aor=
func (s *Server) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.registrar == nil {
		s.ErrorResponse(w, errors.Wrap(errors.ErrUnavailable, "registrar not available"))
		return
	}

	aor := r.URL.Query().Get("aor")
	if aor == "" {
		s.ErrorResponse(w, errors.NewInvalidInput("aor query parameter is required"))
		return
	}

	bindings, err := s.registrar.Lookup(aor)
	if err != nil {
		s.ErrorResponse(w, err)
		return
	}

	now := time.Now()
	views := make([]BindingView, 0, len(bindings))
	for _, b := range bindings {
		view := BindingView{
			Contact:    b.Contact.String(),
			InstanceID: b.InstanceID,
			RegID:      b.RegID,
			Outbound:   b.Outbound(),
			ExpiresIn:  int(b.Expires.Sub(now).Round(time.Second) / time.Second),
			Source:     b.Source,
			Transport:  b.Transport,
		}
		for _, p := range b.Path {
			view.Path = append(view.Path, p.String())
		}
		if len(b.Path) > 0 && s.keys != nil && b.Path[0].URI.User != "" {
			if flow, ok := flowtoken.Decode(b.Path[0].URI.User, s.keys); ok {
				view.Flow = events.NewFlowView(flow)
			}
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aor":      aor,
		"bindings": views,
		"count":    len(views),
	})
}

// handleDecodeToken decodes ?token= against the local key ring
func (s *Server) handleDecodeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.keys == nil {
		s.ErrorResponse(w, errors.Wrap(errors.ErrUnavailable, "key ring not available"))
		return
	}

	// query decoding turns '+' of standard base64 into a space
	token := strings.ReplaceAll(r.URL.Query().Get("token"), " ", "+")
	if token == "" {
		s.ErrorResponse(w, errors.NewInvalidInput("token query parameter is required"))
		return
	}

	flow, ok := flowtoken.Decode(token, s.keys)
	if !ok {
		s.ErrorResponse(w, errors.NewInvalidInput("not a flow token"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flow":     events.NewFlowView(flow),
		"tampered": flow.Tampered,
	})
}
