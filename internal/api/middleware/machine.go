package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/jobcontrol/internal/api/response"
	"github.com/kiranshivaraju/jobcontrol/internal/events"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
)

const (
	HeaderMachineID   = "X-Machine-ID"
	HeaderSDKVersion  = "X-Machine-SDK-Version"
	HeaderSDKLanguage = "X-Machine-SDK-Language"
)

// MachineStore records worker pings.
type MachineStore interface {
	UpsertMachine(ctx context.Context, m *models.Machine) error
}

// Machine identifies the calling worker and records that it is alive.
type Machine struct {
	store  MachineStore
	events events.Sink
	now    func() time.Time
}

// NewMachine creates a new Machine middleware.
func NewMachine(s MachineStore, sink events.Sink) *Machine {
	return &Machine{store: s, events: sink, now: time.Now}
}

// Identify requires the X-Machine-ID header, refreshes the machine's ping
// time for the cluster in the route and sets the machine id in the request
// context.
func (m *Machine) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		machineID := r.Header.Get(HeaderMachineID)
		if machineID == "" {
			response.Error(w, http.StatusBadRequest,
				"MISSING_MACHINE_ID", HeaderMachineID+" header is required", nil)
			return
		}
		clusterID := chi.URLParam(r, "clusterID")

		machine := &models.Machine{
			ID:          machineID,
			ClusterID:   clusterID,
			LastPingAt:  m.now().UTC(),
			IP:          clientIP(r),
			SDKVersion:  r.Header.Get(HeaderSDKVersion),
			SDKLanguage: r.Header.Get(HeaderSDKLanguage),
			Status:      models.MachineStatusActive,
		}
		if err := m.store.UpsertMachine(r.Context(), machine); err != nil {
			slog.Error("failed to record machine ping",
				"cluster_id", clusterID, "machine_id", machineID, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to record machine ping", nil)
			return
		}
		m.events.Write(models.Event{
			ClusterID: clusterID,
			Type:      models.EventMachinePing,
			MachineID: machineID,
			Meta: map[string]any{
				"sdkVersion":  machine.SDKVersion,
				"sdkLanguage": machine.SDKLanguage,
			},
		})

		next.ServeHTTP(w, r.WithContext(SetMachineID(r.Context(), machineID)))
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
