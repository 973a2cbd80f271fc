//go:build protogen

package providers

import (
	"context"
	"errors"
	"time"

	"github.com/pawcare-labs/pawcare/libs/grpcx"
	providerv1 "github.com/pawcare-labs/pawcare/protos/gen/provider/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrNotFound = errors.New("provider not found")

type Profile struct {
	Name            string
	Type            string
	PricePerSession int64
	Currency        string
	IsActive        bool
}

// Directory resolves provider profiles at booking time.
type Directory interface {
	Lookup(ctx context.Context, providerID string) (Profile, error)
}

type grpcDirectory struct {
	client providerv1.ProviderServiceClient
}

func NewDirectory(addr string) (Directory, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcDirectory{client: providerv1.NewProviderServiceClient(conn)}, nil
}

func (d *grpcDirectory) Lookup(ctx context.Context, providerID string) (Profile, error) {
	resp, err := d.client.GetProviderProfile(ctx, &providerv1.ProviderProfileRequest{
		ProviderId: providerID,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}
	return Profile{
		Name:            resp.GetName(),
		Type:            resp.GetType(),
		PricePerSession: resp.GetPricePerSession(),
		Currency:        resp.GetCurrency(),
		IsActive:        resp.GetIsActive(),
	}, nil
}
