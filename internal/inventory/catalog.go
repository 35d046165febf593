// Package inventory answers whether the requested quantities of an order are
// in stock.
package inventory

import (
	"context"
	"sort"
	"sync"

	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
)

// Line is one requested product quantity.
type Line struct {
	ProductID string
	Quantity  int
}

// Unavailable describes a line that cannot be served.
type Unavailable struct {
	ProductID         string `json:"productId"`
	RequestedQuantity int    `json:"requestedQuantity"`
	AvailableQuantity int    `json:"availableQuantity"`
}

// Checker is the availability oracle consulted before an order is persisted.
type Checker interface {
	CheckAvailability(ctx context.Context, lines []Line) error
}

// StaticCatalog serves availability from a fixed stock table. An empty
// catalog accepts everything.
type StaticCatalog struct {
	mu    sync.RWMutex
	stock map[string]int
}

func NewStaticCatalog(stock map[string]int) *StaticCatalog {
	copied := make(map[string]int, len(stock))
	for k, v := range stock {
		copied[k] = v
	}
	return &StaticCatalog{stock: copied}
}

// SetStock replaces the quantity held for productID.
func (c *StaticCatalog) SetStock(productID string, qty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[productID] = qty
}

// CheckAvailability returns ITEMS_UNAVAILABLE listing every line whose summed
// quantity exceeds stock. Unknown products count as zero stock.
func (c *StaticCatalog) CheckAvailability(ctx context.Context, lines []Line) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.stock) == 0 {
		return nil
	}

	requested := map[string]int{}
	order := []string{}
	for _, line := range lines {
		if _, ok := requested[line.ProductID]; !ok {
			order = append(order, line.ProductID)
		}
		requested[line.ProductID] += line.Quantity
	}

	var missing []Unavailable
	for _, productID := range order {
		available := c.stock[productID]
		if requested[productID] > available {
			missing = append(missing, Unavailable{
				ProductID:         productID,
				RequestedQuantity: requested[productID],
				AvailableQuantity: available,
			})
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.SliceStable(missing, func(i, j int) bool { return missing[i].ProductID < missing[j].ProductID })
	return pkgerrors.New(pkgerrors.CodeItemsUnavailable, "some items are unavailable").
		WithDetails(map[string]any{"items": missing})
}
