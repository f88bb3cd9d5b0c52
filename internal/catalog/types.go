package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups for buses or stops that do not exist.
var ErrNotFound = errors.New("catalog: not found")

// Bus is a catalog record for one bus service, including the denormalized
// route endpoint names used for display.
type Bus struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Number         string `json:"number"`
	FromLocationID int64  `json:"fromLocationId"`
	FromLocation   string `json:"fromLocation"`
	ToLocationID   int64  `json:"toLocationId"`
	ToLocation     string `json:"toLocation"`
}

// Stop is one scheduled stop on a bus route. Order is a strict total order
// per bus. Coordinates may be missing for crowd-contributed stops that have
// not been geocoded yet; HasCoords distinguishes that from (0,0).
type Stop struct {
	ID        int64   `json:"id"`
	BusID     int64   `json:"busId"`
	Name      string  `json:"name"`
	Order     int     `json:"order"`
	Lat       float64 `json:"latitude"`
	Lng       float64 `json:"longitude"`
	HasCoords bool    `json:"hasCoords"`
	Arrival   string  `json:"arrivalTime"` // scheduled arrival, "HH:mm", may be empty
}

// Catalog is the read-only route/stop lookup boundary. Implementations must
// be safe for concurrent use.
type Catalog interface {
	FindBusByID(ctx context.Context, busID int64) (Bus, error)
	FindStopsForBus(ctx context.Context, busID int64) ([]Stop, error)
	FindStopByID(ctx context.Context, stopID int64) (Stop, error)
	FindBusesByRoute(ctx context.Context, fromLocationID, toLocationID int64) ([]Bus, error)
}
