package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/tokens"
)

type tokenRequest struct {
	Token string `json:"token"`
}

type tokenList struct {
	Tokens []tokens.Token `json:"tokens"`
}

func (a *API) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "MalformedPayload", Detail: err.Error()})
		return
	}
	tok, err := a.tokens.Register(r.Context(), req.Token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (a *API) handleUnregisterToken(w http.ResponseWriter, r *http.Request) {
	if err := a.tokens.Unregister(r.Context(), chi.URLParam(r, "token")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListTokens(w http.ResponseWriter, r *http.Request) {
	list, err := a.tokens.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []tokens.Token{}
	}
	writeJSON(w, http.StatusOK, tokenList{Tokens: list})
}
