package firebase

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	fbapp "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"roomchat/pkg/logger"
)

// ClientOptions picks the service account credentials. Inline JSON wins over a
// file path; with neither, application default credentials are used.
func ClientOptions(credentialsJSON, credentialsFile string) []option.ClientOption {
	switch {
	case credentialsJSON != "":
		logger.Info("Using Firebase credentials from environment")
		return []option.ClientOption{option.WithCredentialsJSON([]byte(credentialsJSON))}
	case credentialsFile != "":
		logger.Info("Using Firebase credentials file %s", credentialsFile)
		return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
	}
	logger.Info("Using application default credentials for Firebase")
	return nil
}

func NewAuthClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*auth.Client, error) {
	app, err := fbapp.NewApp(ctx, &fbapp.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting firebase auth client: %w", err)
	}
	return client, nil
}

func NewFirestoreClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*firestore.Client, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firestore: %w", err)
	}
	return client, nil
}
