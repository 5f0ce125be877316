package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/agentflow/runner/internal/errs"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a classified error onto the wire: the kind name as a
// stable machine-readable code plus the human diagnostic. Internal and
// infrastructure details are not leaked.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	body := errorBody{Error: kind.String()}
	switch kind {
	case errs.KindInternal, errs.KindBusUnavailable,
		errs.KindStorageUnavailable, errs.KindPersistenceUnavailable:
		body.Detail = "service temporarily unavailable"
	default:
		body.Detail = err.Error()
	}
	writeJSON(w, kind.HTTPStatus(), body)
}
