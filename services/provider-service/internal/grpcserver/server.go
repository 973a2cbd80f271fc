//go:build protogen

package grpcserver

import (
	"context"
	"time"

	"github.com/pawcare-labs/pawcare/libs/db"
	providerv1 "github.com/pawcare-labs/pawcare/protos/gen/provider/v1"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type server struct {
	providerv1.UnimplementedProviderServiceServer
	pool *db.Pool
	repo *storage.Repository
}

func Register(grpcServer *grpc.Server, pool *db.Pool, repo *storage.Repository) {
	providerv1.RegisterProviderServiceServer(grpcServer, &server{pool: pool, repo: repo})
}

func (s *server) GetProviderProfile(ctx context.Context, req *providerv1.ProviderProfileRequest) (*providerv1.ProviderProfileResponse, error) {
	if req.GetProviderId() == "" {
		return nil, status.Error(codes.InvalidArgument, "provider_id is required")
	}
	p, err := s.repo.Get(ctx, req.GetProviderId())
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, status.Error(codes.NotFound, "provider not found")
		}
		return nil, status.Error(codes.Internal, "failed to load provider")
	}
	return &providerv1.ProviderProfileResponse{
		ProviderId:      p.ID,
		Name:            p.Name,
		Type:            p.Type,
		City:            p.City,
		PricePerSession: p.PricePerSession,
		Currency:        p.Currency,
		RatingAvg:       p.RatingAvg,
		RatingCount:     int32(p.RatingCount),
		IsActive:        p.IsActive,
	}, nil
}

func (s *server) GetProviderAvailability(ctx context.Context, req *providerv1.ProviderAvailabilityRequest) (*providerv1.ProviderAvailabilityResponse, error) {
	if req.GetProviderId() == "" || req.GetDate() == "" {
		return nil, status.Error(codes.InvalidArgument, "provider_id and date are required")
	}
	date, err := time.ParseInLocation("2006-01-02", req.GetDate(), time.UTC)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "date must be YYYY-MM-DD")
	}

	slots, err := s.repo.ListSlots(ctx, req.GetProviderId(), date, date.AddDate(0, 0, 1))
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list slots")
	}

	resp := &providerv1.ProviderAvailabilityResponse{
		ProviderId: req.GetProviderId(),
		Date:       req.GetDate(),
	}
	for _, slot := range slots {
		resp.Slots = append(resp.Slots, &providerv1.Slot{
			StartTime: slot.StartTime,
			EndTime:   slot.EndTime,
			IsBooked:  slot.IsBooked,
		})
	}
	return resp, nil
}
