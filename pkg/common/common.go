package common

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"onlyone/pkg/logger"
)

type Msg struct {
	Message string `json:"message"`
}

func WriteMsg(w http.ResponseWriter, msg string, code int) {
	w.WriteHeader(code)
	WriteRespJSON(w, Msg{msg})
}

// NormalizeText trims, collapses inner whitespace and lower-cases the text.
// Every component that derives a cache key or an embedding from user content
// goes through it, so equal inputs always produce equal keys.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func ParseReqBody(body io.Reader, ptr interface{}) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(ptr); err != nil {
		return err
	}
	return nil
}

func WriteRespJSON(w http.ResponseWriter, data interface{}) {
	resp, err := json.Marshal(data)
	if err != nil {
		logger.Global().Errorf("common: JSON marshaling failed: %v", err)
		WriteMsg(w, "response failed", http.StatusInternalServerError)
		return
	}

	_, err = w.Write(resp)
	if err != nil {
		logger.Global().Errorf("common: failed writing response: %v", err)
	}
}
