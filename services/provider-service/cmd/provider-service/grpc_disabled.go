//go:build !protogen

package main

import (
	"context"
	"log/slog"

	"github.com/pawcare-labs/pawcare/libs/db"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/storage"
)

func startGrpcServer(_ context.Context, _ *slog.Logger, _ *db.Pool, _ *storage.Repository) error {
	return nil
}
