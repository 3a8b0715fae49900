package storage

import (
	"context"
	"fmt"

	"github.com/ferrocompanion/ferrocompanion/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Store persists per-installation companion state. Only the peak-shaving
// memory is durable; everything else is re-derived from the device.
type Store interface {
	// LoadMemory returns the stored memory for the installation. The
	// second return is false when nothing has been stored yet.
	LoadMemory(ctx context.Context, installID string) (types.PeakShavingMemory, bool, error)

	// SaveMemory stores the memory for the installation.
	SaveMemory(ctx context.Context, installID string, mem types.PeakShavingMemory) error

	// ListInstalls returns the IDs of all installations with stored state.
	ListInstalls(ctx context.Context) ([]string, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Store {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Store }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			p.Store = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
