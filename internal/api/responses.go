// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cardinalhq/skinrunner/internal/scheduler"
)

const (
	stateQueued  = "QUEUED"
	stateSuccess = "SUCCESS"
	stateError   = "ERROR"
)

type queuedResponse struct {
	State    string `json:"state"`
	TimeLeft int    `json:"timeLeft"`
}

type successResponse struct {
	State string `json:"state"`
	scheduler.Texture
}

// legacySuccessResponse is the shape /api/customhead has always returned.
type legacySuccessResponse struct {
	State     string `json:"state"`
	Skin      string `json:"skin"`
	Signature string `json:"signature"`
}

type errorResponse struct {
	State        string `json:"state"`
	ErrorMessage string `json:"errorMessage"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{State: stateError, ErrorMessage: msg})
}
