package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const machineIDKey contextKey = "machine_id"

func SetMachineID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, machineIDKey, id)
}

func GetMachineID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(machineIDKey).(string)
	return id, ok && id != ""
}
