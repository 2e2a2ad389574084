package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"renderfarm/internal/adapters/storage/gdrive"
	"renderfarm/internal/adapters/storage/localfs"
	"renderfarm/internal/config"
)

// NewProvider returns the provider named by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.Storage) (Provider, error) {
	switch cfg.Provider {
	case "", config.StorageLocalFS:
		return localfs.New(cfg.LocalRoot), nil
	case config.StorageGDrive:
		return newGDriveProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// OAuthConfig is the Drive OAuth client for clientID. cmd/gdrive-auth uses it
// to mint the refresh token that newGDriveProvider consumes.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}
}

func newGDriveProvider(ctx context.Context, cfg config.Storage) (Provider, error) {
	conf := OAuthConfig(cfg.GDriveClientID, cfg.GDriveClientSecret, "")
	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("gdrive service: %w", err)
	}

	return gdrive.NewClient(srv, cfg.GDriveFolderID), nil
}
