package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/ferrocompanion/ferrocompanion/pkg/log"
	"github.com/ferrocompanion/ferrocompanion/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements the Store interface using Google Cloud
// Firestore. Each installation gets one document in the "installs"
// collection holding the memory as a JSON string plus a version stamp.
type FirestoreStore struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore store.
// It registers flags for configuration.
func configuredFirestore() *FirestoreStore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreStore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client.
// This must be called before using the store methods.
func (f *FirestoreStore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreStore) installDoc(installID string) (*firestore.DocumentRef, error) {
	if installID == "" {
		return nil, fmt.Errorf("installID cannot be empty")
	}
	return f.client.Collection("installs").Doc(installID), nil
}

// LoadMemory retrieves the peak-shaving memory for an installation.
func (f *FirestoreStore) LoadMemory(ctx context.Context, installID string) (types.PeakShavingMemory, bool, error) {
	ref, err := f.installDoc(installID)
	if err != nil {
		return types.PeakShavingMemory{}, false, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.PeakShavingMemory{}, false, nil
		}
		return types.PeakShavingMemory{}, false, fmt.Errorf("failed to fetch install doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).Warn("install doc missing json",
			"installID", installID,
		)
		return types.PeakShavingMemory{}, false, fmt.Errorf("install document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).Warn("install doc json not string",
			"installID", installID,
		)
		return types.PeakShavingMemory{}, false, fmt.Errorf("install 'json' field is not a string")
	}

	var m types.PeakShavingMemory
	if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
		log.Ctx(ctx).Warn("failed to unmarshal install memory",
			"installID", installID,
			"error", err,
		)
		return types.PeakShavingMemory{}, false, fmt.Errorf("failed to unmarshal install memory: %w", err)
	}
	return m, true, nil
}

// SaveMemory stores the memory as a JSON string for portability.
func (f *FirestoreStore) SaveMemory(ctx context.Context, installID string, mem types.PeakShavingMemory) error {
	jsonBytes, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}

	ref, err := f.installDoc(installID)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": types.CurrentMemoryVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}
	return nil
}

// ListInstalls retrieves the IDs of all installations with stored state.
func (f *FirestoreStore) ListInstalls(ctx context.Context) ([]string, error) {
	iter := f.client.Collection("installs").Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating installs: %w", err)
		}
		ids = append(ids, doc.Ref.ID)
	}
	return ids, nil
}
