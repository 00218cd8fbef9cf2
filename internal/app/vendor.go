package app

import (
	"context"
	"fmt"

	"github.com/maltedev/vendor-feeds/internal/auth"
	"github.com/maltedev/vendor-feeds/internal/database"
	"github.com/maltedev/vendor-feeds/internal/reports"
)

// NewReportClient wires the token manager and report client, seeding the
// refresh token from the environment on first use.
func (r *Runtime) NewReportClient(ctx context.Context) (*reports.Client, error) {
	cfg := r.Config
	if err := cfg.ValidateVendor(); err != nil {
		return nil, err
	}

	tokens := auth.NewManager(auth.Config{
		ClientID:     cfg.Vendor.ClientID,
		ClientSecret: cfg.Vendor.ClientSecret,
		TokenURL:     cfg.Vendor.TokenURL,
	}, database.NewTokenStore(r.DB), r.Logger)

	if cfg.Vendor.RefreshToken != "" {
		if err := tokens.Seed(ctx, cfg.Vendor.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to seed refresh token: %w", err)
		}
	}

	return reports.NewClient(reports.Config{
		Endpoint:      cfg.Vendor.Endpoint,
		MarketplaceID: cfg.Vendor.MarketplaceID,
		PollInterval:  cfg.Backfill.PollInterval,
		PollAttempts:  cfg.Backfill.PollAttempts,
		HTTPTimeout:   cfg.Vendor.HTTPTimeout,
	}, tokens, r.Logger), nil
}
