package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/portmacros/internal/macro"
	"github.com/devghori1264/aerophoenix/portmacros/internal/portmacro"
)

// MacroView is the JSON form of a registered macro.
type MacroView struct {
	Name        string `json:"name"`
	Key         string `json:"key"`
	Description string `json:"description"`
	Value       string `json:"value"`
}

// StateView is the JSON form of the resolver state.
type StateView struct {
	State  string      `json:"state"`
	Macros []MacroView `json:"macros"`
}

// ExpandRequest is the body of POST /expand.
type ExpandRequest struct {
	Template string `json:"template"`
}

// ExpandResponse is the reply of POST /expand.
type ExpandResponse struct {
	Result string `json:"result"`
}

type macroHandler struct {
	registry *macro.Registry
	resolver *portmacro.Resolver
	logger   *zap.Logger
}

// NewMacroHandler serves the macro agent endpoints:
//
//	GET  /macros  registered macros
//	POST /expand  expand a command template
//	GET  /state   resolver state and the macros it owns
func NewMacroHandler(registry *macro.Registry, resolver *portmacro.Resolver, logger *zap.Logger) *http.ServeMux {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &macroHandler{registry: registry, resolver: resolver, logger: logger.Named("http")}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from macrod"})
	})
	mux.HandleFunc("/macros", h.handleList)
	mux.HandleFunc("/expand", h.handleExpand)
	mux.HandleFunc("/state", h.handleState)
	return mux
}

func (h *macroHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, views(h.registry.List()))
}

func (h *macroHandler) handleExpand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req ExpandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	result := h.registry.Expand(req.Template)
	h.logger.Debug("template expanded", zap.String("template", req.Template))
	writeJSON(w, http.StatusOK, ExpandResponse{Result: result})
}

func (h *macroHandler) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StateView{
		State:  h.resolver.State().String(),
		Macros: views(h.resolver.Entries()),
	})
}

func views(macros []*macro.Macro) []MacroView {
	out := make([]MacroView, 0, len(macros))
	for _, m := range macros {
		out = append(out, MacroView{
			Name:        m.Name(),
			Key:         macro.Key(m.Name()),
			Description: m.Description(),
			Value:       m.Value(),
		})
	}
	return out
}
