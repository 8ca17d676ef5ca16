package endpoint

import (
	"encoding/json"
	"net/http"
)

// JSONRenderer encodes Value as JSON.
//
// ContentType defaults to "application/json". Encoding happens before the
// header is written, so an encoding failure still yields a 500.
type JSONRenderer struct {
	Status      int
	Value       any
	ContentType string
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	body, err := json.Marshal(jr.Value)
	if err != nil {
		return err
	}
	ct := jr.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
