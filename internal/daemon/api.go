package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/vmconsole/vmconsole/internal/buildinfo"
	"github.com/vmconsole/vmconsole/internal/db"
	"github.com/vmconsole/vmconsole/internal/provider"
	"github.com/vmconsole/vmconsole/internal/store"
)

const (
	maxJSONBytes      = 64 << 10
	defaultEventsTail = 100
	vmPathPrefix      = "/api/vm/"
)

// VMAPI serves the browser-facing VM endpoints.
type VMAPI struct {
	backend store.Backend
	manager *VMManager
	limiter *IPRateLimiter
	audit   *db.Store
	logger  *log.Logger
}

func NewVMAPI(backend store.Backend, manager *VMManager, logger *log.Logger) *VMAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &VMAPI{backend: backend, manager: manager, logger: logger}
}

// WithRateLimiter limits VM creation per client address.
func (api *VMAPI) WithRateLimiter(limiter *IPRateLimiter) *VMAPI {
	api.limiter = limiter
	return api
}

// WithAudit enables GET /api/vm/{id}/events from the SQLite audit trail.
func (api *VMAPI) WithAudit(store *db.Store) *VMAPI {
	api.audit = store
	return api
}

// Register wires the endpoints onto mux.
func (api *VMAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/api/vm", api.handleVMs)
	mux.HandleFunc(vmPathPrefix, api.handleVMByID)
	mux.HandleFunc("/version", handleVersion)
}

func (api *VMAPI) handleVMs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.handleList(w, r)
	case http.MethodPost:
		api.handleCreate(w, r)
	case http.MethodDelete:
		api.handleTerminate(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost, http.MethodDelete})
	}
}

func (api *VMAPI) handleList(w http.ResponseWriter, r *http.Request) {
	coll, ok := api.open(w, r)
	if !ok {
		return
	}
	vms, err := api.manager.List(r.Context(), coll)
	if err != nil {
		api.writeStoreError(w, "failed to list vms", err)
		return
	}
	writeJSON(w, http.StatusOK, VMListResponse{VMs: vms})
}

func (api *VMAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !api.limiter.Allow(r.RemoteAddr) {
		writeRateLimitExceeded(w)
		return
	}
	var req CreateVMRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	coll, ok := api.open(w, r)
	if !ok {
		return
	}
	vm, err := api.manager.Create(r.Context(), coll, CreateRequest{
		Provider:       req.Provider,
		Region:         req.Region,
		InstanceType:   req.InstanceType,
		WindowsVersion: req.WindowsVersion,
	})
	if err != nil {
		var perr *provider.Error
		switch {
		case errors.Is(err, ErrUnknownProvider):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrAWSUnavailable):
			writeError(w, http.StatusBadRequest, awsUnavailableMsg)
		case errors.As(err, &perr):
			api.logger.Printf("vm: create failed: %v", err)
			writeError(w, http.StatusBadGateway, perr.Message())
		default:
			api.writeStoreError(w, "failed to create vm", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, CreateVMResponse{ID: vm.ID})
}

func (api *VMAPI) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	coll, ok := api.open(w, r)
	if !ok {
		return
	}
	if err := api.manager.Terminate(r.Context(), coll, id); err != nil {
		api.writeStoreError(w, "failed to terminate vm", err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (api *VMAPI) handleVMByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, vmPathPrefix), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "events") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	coll, ok := api.open(w, r)
	if !ok {
		return
	}
	vm, err := api.manager.Get(r.Context(), coll, parts[0])
	if errors.Is(err, ErrVMNotFound) {
		writeError(w, http.StatusNotFound, "vm not found")
		return
	}
	if err != nil {
		api.writeStoreError(w, "failed to load vm", err)
		return
	}
	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, vm)
		return
	}
	if api.audit == nil {
		writeError(w, http.StatusNotFound, "event history requires the sqlite store")
		return
	}
	rows, err := api.audit.ListEventsByVM(r.Context(), vm.ID, defaultEventsTail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	resp := VMEventsResponse{Events: make([]VMEvent, 0, len(rows))}
	for _, row := range rows {
		resp.Events = append(resp.Events, VMEvent{
			Kind:     row.Kind,
			Time:     row.Timestamp,
			Provider: row.Provider,
			Region:   row.Region,
			Message:  row.Message,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *VMAPI) open(w http.ResponseWriter, r *http.Request) (store.Collection, bool) {
	coll, err := api.backend.Open(w, r)
	if err != nil {
		api.logger.Printf("vm: open %s store: %v", api.backend.Kind(), err)
		writeError(w, http.StatusInternalServerError, "state store unavailable")
		return nil, false
	}
	return coll, true
}

func (api *VMAPI) writeStoreError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, store.ErrCollectionTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "too many vms stored; terminate one to make room")
		return
	}
	api.logger.Printf("vm: %s: %v", msg, err)
	writeError(w, http.StatusInternalServerError, msg)
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: buildinfo.Version,
		Commit:  buildinfo.Commit,
		Date:    buildinfo.Date,
	})
}

func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	resp := ErrorResponse{Error: msg}
	if len(err) > 0 && err[0] != nil {
		resp.Details = err[0].Error()
	}
	writeJSON(w, status, resp)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
