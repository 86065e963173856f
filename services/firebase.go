package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"psamonitor/config"
	"psamonitor/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// statusRefPath is the Realtime Database node dashboards read live status from.
const statusRefPath = "plant-status"

// FirebaseService mirrors live line status into the Firebase Realtime Database
type FirebaseService struct {
	client *db.Client
	logger *zap.Logger
}

func NewFirebaseService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*FirebaseService, error) {
	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseService{
		client: client,
		logger: logger,
	}

	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection tests Firebase connection with retry logic
func (fs *FirebaseService) testConnection(ctx context.Context) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		var data interface{}
		err := fs.client.NewRef(statusRefPath).Get(ctx, &data)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

// firebaseKeyReplacer strips characters Realtime Database keys cannot hold.
var firebaseKeyReplacer = strings.NewReplacer(".", "_", "$", "_", "#", "_", "[", "_", "]", "_", "/", "_")

// statusUpdates maps snapshots to multi-path update entries, one per line.
func statusUpdates(batch []*models.LineStatusSnapshot) map[string]interface{} {
	updates := make(map[string]interface{}, len(batch))
	for _, s := range batch {
		path := firebaseKeyReplacer.Replace(s.PlantID) + "/" + firebaseKeyReplacer.Replace(s.LineID)
		updates[path] = map[string]interface{}{
			"planta_id": s.PlantID,
			"linea_id":  s.LineID,
			"nivel":     string(s.Level),
			"desde":     s.Since.UTC().Format(time.RFC3339),
			"motivo":    s.Reason,
		}
	}
	return updates
}

// WriteStatusBatch writes the latest status of each line in one update.
func (fs *FirebaseService) WriteStatusBatch(ctx context.Context, batch []*models.LineStatusSnapshot) error {
	if len(batch) == 0 {
		return nil
	}
	if err := fs.client.NewRef(statusRefPath).Update(ctx, statusUpdates(batch)); err != nil {
		return fmt.Errorf("error writing plant status: %w", err)
	}
	return nil
}

// Close closes the Firebase connection
func (fs *FirebaseService) Close() error {
	fs.logger.Info("Closing Firebase service")
	return nil
}
